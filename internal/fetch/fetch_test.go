package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/johnskopis/ClickHouse/internal/logentry"
	"github.com/johnskopis/ClickHouse/internal/rerrors"
	"github.com/johnskopis/ClickHouse/internal/storage"
)

type staticLookup struct {
	info storage.PartInfo
	ok   bool
}

func (s staticLookup) LookupPart(ctx context.Context, name logentry.PartName) (storage.PartInfo, bool, error) {
	return s.info, s.ok, nil
}

func TestClientFetchesUncompressedPart(t *testing.T) {
	part, err := logentry.ParsePartName("202401_1_1_0")
	require.NoError(t, err)
	info := storage.PartInfo{Name: part, Rows: 10, Bytes: 1000, Checksum: "abc123"}

	srv := NewServer(staticLookup{info: info, ok: true}, NewCredentials(nil), 4)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(ts.Client(), map[string]string{"r2": ts.URL}, "", "")
	got, err := client.FetchPart(context.Background(), "r2", part, false)
	require.NoError(t, err)
	require.Equal(t, part, got.Name)
	require.Equal(t, int64(10), got.Rows)
	require.Equal(t, int64(1000), got.Bytes)
	require.Equal(t, "abc123", got.Checksum)
}

func TestClientFetchesCompressedPart(t *testing.T) {
	part, err := logentry.ParsePartName("202401_2_2_0")
	require.NoError(t, err)
	info := storage.PartInfo{Name: part, Rows: 5, Bytes: 500, Checksum: "def456"}

	srv := NewServer(staticLookup{info: info, ok: true}, NewCredentials(nil), 4)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(ts.Client(), map[string]string{"r3": ts.URL}, "", "")
	got, err := client.FetchPart(context.Background(), "r3", part, true)
	require.NoError(t, err)
	require.Equal(t, int64(5), got.Rows)
	require.Equal(t, "def456", got.Checksum)
}

func TestClientRejectsBadCredentials(t *testing.T) {
	part, err := logentry.ParsePartName("202401_1_1_0")
	require.NoError(t, err)
	srv := NewServer(staticLookup{ok: false}, NewCredentials(map[string]string{"repl": "secret"}), 4)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(ts.Client(), map[string]string{"r2": ts.URL}, "wrong", "creds")
	_, err = client.FetchPart(context.Background(), "r2", part, false)
	require.Error(t, err)
	require.Equal(t, rerrors.AuthFailed, rerrors.KindOf(err))
}

func TestClientUnknownReplica(t *testing.T) {
	part, _ := logentry.ParsePartName("202401_1_1_0")
	client := NewClient(http.DefaultClient, map[string]string{}, "", "")
	_, err := client.FetchPart(context.Background(), "ghost", part, false)
	require.Error(t, err)
	require.Equal(t, rerrors.PartNotFound, rerrors.KindOf(err))
}

func TestServerRejectsOverflowFetchesWith503(t *testing.T) {
	part, err := logentry.ParsePartName("202401_1_1_0")
	require.NoError(t, err)
	info := storage.PartInfo{Name: part, Rows: 1, Bytes: 1, Checksum: "x"}

	srv := NewServer(staticLookup{info: info, ok: true}, NewCredentials(nil), 1)
	require.True(t, srv.fetchSem.TryAcquire(1)) // simulate one in-flight fetch holding the slot

	ts := httptest.NewServer(srv)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"?endpoint=DataPartsExchange&part="+part.String(), nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCredentialsOpenModeAcceptsAnything(t *testing.T) {
	c := NewCredentials(nil)
	require.True(t, c.Check("anyone", "anything"))
}

func TestCredentialsClosedModeRejectsUnknown(t *testing.T) {
	c := NewCredentials(map[string]string{"r1": "pw"})
	require.True(t, c.Check("r1", "pw"))
	require.False(t, c.Check("r1", "wrong"))
	require.False(t, c.Check("r9", "pw"))
}
