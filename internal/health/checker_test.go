package health

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPingMock(t *testing.T, pingErr error) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	exp := mock.ExpectPing()
	if pingErr != nil {
		exp.WillReturnError(pingErr)
	}
	return db, mock
}

func TestCheckHealthy(t *testing.T) {
	ledgerDB, ledgerMock := newPingMock(t, nil)
	identityDB, identityMock := newPingMock(t, nil)
	c := New(Config{
		Databases: map[string]*sql.DB{"ledger_db": ledgerDB, "identity_db": identityDB},
		Version:   "v1.2.3",
	})

	status := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "v1.2.3", status.Version)
	require.Len(t, status.Components, 2)
	assert.Equal(t, "identity_db", status.Components[0].Name)
	assert.Equal(t, "ledger_db", status.Components[1].Name)
	assert.NoError(t, ledgerMock.ExpectationsWereMet())
	assert.NoError(t, identityMock.ExpectationsWereMet())
	assert.Equal(t, status, c.LastStatus())
}

func TestCheckUnreachableDatabase(t *testing.T) {
	ledgerDB, _ := newPingMock(t, errors.New("connection refused"))
	identityDB, _ := newPingMock(t, nil)
	c := New(Config{Databases: map[string]*sql.DB{"ledger_db": ledgerDB, "identity_db": identityDB}})

	status := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	for _, comp := range status.Components {
		if comp.Name == "ledger_db" {
			assert.Equal(t, StatusUnhealthy, comp.Status)
			assert.Contains(t, comp.Error, "connection refused")
		}
	}
}

func TestLastStatusBeforeCheck(t *testing.T) {
	c := New(Config{Version: "dev"})
	assert.Equal(t, StatusHealthy, c.LastStatus().Status)
}
