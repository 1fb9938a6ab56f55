package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbench/peerbench/pkg/fingerprint"
)

const testHash = "0a1b2c3d4e5f"

func newTestFingerprint() *fingerprint.Fingerprint {
	return &fingerprint.Fingerprint{
		TenantHash:      testHash,
		HashSaltVersion: "v1",
		Region:          "apac",
		SizeBand:        "medium",
		Vertical:        "finance",
		Metadata:        map[string]any{"source": "feed"},
	}
}

func TestUpsert_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	fp := newTestFingerprint()

	mock.ExpectExec("INSERT INTO fingerprints").
		WithArgs(fp.TenantHash, fp.HashSaltVersion, fp.Region, fp.SizeBand, fp.Vertical, []byte(`{"source":"feed"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Upsert(context.Background(), fp))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_NilMetadataBecomesEmptyObject(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	fp := newTestFingerprint()
	fp.Metadata = nil

	mock.ExpectExec("INSERT INTO fingerprints").
		WithArgs(fp.TenantHash, fp.HashSaltVersion, fp.Region, fp.SizeBand, fp.Vertical, []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Upsert(context.Background(), fp))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_DatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	mock.ExpectExec("INSERT INTO fingerprints").
		WillReturnError(errors.New("connection refused"))

	err = store.Upsert(context.Background(), newTestFingerprint())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upserting fingerprint")
}

func fingerprintRows(hashes ...string) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows(fingerprintColumns)
	for _, h := range hashes {
		rows.AddRow(h, "v1", "apac", "medium", "", []byte(`{}`), now, now)
	}
	return rows
}

func TestGet_Found(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	mock.ExpectQuery("SELECT .+ FROM fingerprints WHERE tenant_hash = ").
		WithArgs(testHash).
		WillReturnRows(fingerprintRows(testHash))

	fp, err := store.Get(context.Background(), testHash)
	require.NoError(t, err)
	require.NotNil(t, fp)
	assert.Equal(t, testHash, fp.TenantHash)
	assert.Equal(t, "apac", fp.Region)
	assert.Equal(t, "", fp.Vertical)
}

func TestGet_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	mock.ExpectQuery("SELECT .+ FROM fingerprints").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(fingerprintColumns))

	fp, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, fp)
}

func TestGetBatch_EmptyInput(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	out, err := store.GetBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestGetBatch_ReturnsFoundHashes(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	mock.ExpectQuery("SELECT .+ FROM fingerprints WHERE tenant_hash IN ").
		WithArgs("h1", "h2", "h3").
		WillReturnRows(fingerprintRows("h1", "h3"))

	out, err := store.GetBatch(context.Background(), []string{"h1", "h2", "h3"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Contains(t, out, "h1")
	assert.Contains(t, out, "h3")
	assert.NotContains(t, out, "h2")
}
