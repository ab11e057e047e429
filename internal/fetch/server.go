package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/sync/semaphore"

	"github.com/johnskopis/ClickHouse/internal/logentry"
	"github.com/johnskopis/ClickHouse/internal/rlog"
	"github.com/johnskopis/ClickHouse/internal/storage"
)

// PartLookup resolves a part name to its committed metadata, the
// narrow slice of the local engine contract (spec §6) the
// part-exchange server needs.
type PartLookup interface {
	LookupPart(ctx context.Context, name logentry.PartName) (storage.PartInfo, bool, error)
}

// EngineLookup adapts a storage.Engine into a PartLookup via
// EnumerateActiveParts, since the engine contract has no direct
// by-name accessor (spec §6 lists only the six calls named there).
type EngineLookup struct{ Engine storage.Engine }

func (l EngineLookup) LookupPart(ctx context.Context, name logentry.PartName) (storage.PartInfo, bool, error) {
	parts, err := l.Engine.EnumerateActiveParts(ctx)
	if err != nil {
		return storage.PartInfo{}, false, err
	}
	for _, p := range parts {
		if p.Name == name {
			return p, true, nil
		}
	}
	return storage.PartInfo{}, false, nil
}

// Server handles DataPartsExchange requests from peer replicas (spec
// §4.8).
type Server struct {
	lookup PartLookup
	creds  *Credentials
	fetchSem *semaphore.Weighted // bounds max_parallel_fetches_per_table (spec §6)
}

// NewServer bounds concurrent DataPartsExchange requests to
// maxParallelFetches, the replica-wide fetch concurrency cap named in
// spec §6 (max_parallel_fetches_per_table); a value <= 0 means
// unbounded.
func NewServer(lookup PartLookup, creds *Credentials, maxParallelFetches int) *Server {
	s := &Server{lookup: lookup, creds: creds}
	if maxParallelFetches > 0 {
		s.fetchSem = semaphore.NewWeighted(int64(maxParallelFetches))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.URL.Query().Get("endpoint") != "DataPartsExchange" {
		http.Error(w, "unknown endpoint", http.StatusNotFound)
		return
	}
	user, pass, _ := r.BasicAuth()
	if !s.creds.Check(user, pass) {
		w.Header().Set("WWW-Authenticate", `Basic realm="DataPartsExchange"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.fetchSem != nil {
		if !s.fetchSem.TryAcquire(1) {
			http.Error(w, "too many concurrent part fetches", http.StatusServiceUnavailable)
			return
		}
		defer s.fetchSem.Release(1)
	}

	partStr := r.URL.Query().Get("part")
	part, err := logentry.ParsePartName(partStr)
	if err != nil {
		http.Error(w, fmt.Sprintf("bad part name: %v", err), http.StatusInternalServerError)
		return
	}
	compress, _ := strconv.ParseBool(r.URL.Query().Get("compress"))

	info, ok, err := s.lookup.LookupPart(ctx, part)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, fmt.Sprintf("part %s not found", partStr), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)

	var out io.Writer = w
	if compress {
		zw := lz4.NewWriter(w)
		defer zw.Close()
		out = zw
	}

	// The on-disk column payload itself is out of scope (spec §1); the
	// frame carries the part's committed metadata as its sole "file",
	// enough for the client to commit an equivalent PartInfo locally.
	body := encodePartInfo(info)
	if err := writeFile(out, info.Name.String()+".meta", info.Checksum, body); err != nil {
		rlog.Warn(ctx, "part-exchange write failed")
		return
	}
}

func encodePartInfo(info storage.PartInfo) []byte {
	return []byte(fmt.Sprintf("rows=%d\nbytes=%d\ngranularity=%d\n", info.Rows, info.Bytes, info.Granularity))
}
