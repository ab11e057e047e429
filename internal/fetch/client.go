package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pierrec/lz4/v4"

	"github.com/johnskopis/ClickHouse/internal/logentry"
	"github.com/johnskopis/ClickHouse/internal/rerrors"
	"github.com/johnskopis/ClickHouse/internal/storage"
)

// abortedBody is the exact error text of a peer that is dropping the
// table. FetchPart returns it as an rerrors.Aborted error rather than
// the CoordinatorUnavailable error used for other peer failures.
const abortedBody = "DB::Exception: table is dropped"

// Client fetches parts from peer replicas over the wire contract of
// spec §4.8.
type Client struct {
	hc       *http.Client
	replicas map[string]string // replica name -> base URL
	user     string
	password string
}

func NewClient(hc *http.Client, replicas map[string]string, user, password string) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{hc: hc, replicas: replicas, user: user, password: password}
}

// FetchPart implements internal/executor.Fetcher: GET the part's
// files from sourceReplica and decode the metadata frame into a
// storage.PartInfo the caller can commit locally.
func (c *Client) FetchPart(ctx context.Context, sourceReplica string, part logentry.PartName, compress bool) (storage.PartInfo, error) {
	base, ok := c.replicas[sourceReplica]
	if !ok {
		return storage.PartInfo{}, rerrors.New(rerrors.PartNotFound, "no known address for replica %s", sourceReplica)
	}
	u, err := url.Parse(base)
	if err != nil {
		return storage.PartInfo{}, rerrors.Wrap(rerrors.LogicalInvariantViolated, err, "bad replica address %s", base)
	}
	q := u.Query()
	q.Set("endpoint", "DataPartsExchange")
	q.Set("part", part.String())
	q.Set("compress", strconv.FormatBool(compress))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return storage.PartInfo{}, err
	}
	if c.user != "" || c.password != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return storage.PartInfo{}, rerrors.Wrap(rerrors.CoordinatorUnavailable, err, "part-exchange request to %s", sourceReplica)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return storage.PartInfo{}, rerrors.New(rerrors.AuthFailed, "part-exchange auth rejected by %s", sourceReplica)
	case http.StatusServiceUnavailable:
		return storage.PartInfo{}, rerrors.New(rerrors.CoordinatorUnavailable, "part-exchange server at %s unavailable", sourceReplica)
	default:
		body, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(body))
		if msg == abortedBody {
			return storage.PartInfo{}, rerrors.New(rerrors.Aborted, "source table dropped on %s", sourceReplica)
		}
		return storage.PartInfo{}, rerrors.New(rerrors.CoordinatorUnavailable, "part-exchange error from %s: %s", sourceReplica, msg)
	}

	var src io.Reader = resp.Body
	if compress {
		src = lz4.NewReader(resp.Body)
	}

	hdr, data, err := readFile(src)
	if err != nil {
		return storage.PartInfo{}, rerrors.Wrap(rerrors.ChecksumMismatch, err, "decode part-exchange frame from %s", sourceReplica)
	}
	info, err := decodePartInfo(part, hdr, data)
	if err != nil {
		return storage.PartInfo{}, err
	}
	return info, nil
}

func decodePartInfo(part logentry.PartName, hdr fileHeader, body []byte) (storage.PartInfo, error) {
	info := storage.PartInfo{Name: part, Checksum: hdr.Checksum}
	for _, line := range strings.Split(string(body), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "rows":
			fmt.Sscanf(v, "%d", &info.Rows)
		case "bytes":
			fmt.Sscanf(v, "%d", &info.Bytes)
		case "granularity":
			fmt.Sscanf(v, "%d", &info.Granularity)
		}
	}
	return info, nil
}
