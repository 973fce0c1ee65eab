// Package tsotransport carries GetTimestampBatch over QUIC/HTTP-3, grounded
// on the teacher's HTTP/3 event-streaming transport
// (core/replication/eventsender/stream.go): same quic-go/http3 client and
// server shape, a request/response exchange instead of a framed event
// stream.
package tsotransport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/quic-go/quic-go/http3"

	"github.com/k2-platform/k23si/internal/dto"
)

const timestampPath = "/timestamp"

// Issuer is implemented by internal/tsoworker.Worker, adapted to the
// request/response dto shape the TSO's wire verb uses.
type Issuer interface {
	Issue(batchSizeRequested uint32) dto.TimestampBatch
}

// Server exposes GetTimestampBatch over HTTP/3.
type Server struct {
	addr     string
	tlsConf  *tls.Config
	issuer   Issuer
	h3Server *http3.Server
}

func NewServer(addr string, tlsConf *tls.Config, issuer Issuer) *Server {
	s := &Server{addr: addr, tlsConf: tlsConf, issuer: issuer}
	mux := http.NewServeMux()
	mux.HandleFunc(timestampPath, s.handleGetTimestampBatch)
	s.h3Server = &http3.Server{
		Addr:      addr,
		TLSConfig: tlsConf,
		Handler:   mux,
	}
	return s
}

func (s *Server) handleGetTimestampBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req dto.GetTimestampBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}

	batch := s.issuer.Issue(req.BatchSizeRequested)
	resp := dto.GetTimestampBatchResponse{Status: dto.OK(""), Batch: batch}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ListenAndServe blocks serving HTTP/3 until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.h3Server.ListenAndServe() }()
	select {
	case <-ctx.Done():
		return s.h3Server.Close()
	case err := <-errCh:
		return err
	}
}

// Client calls GetTimestampBatch against one TSO worker endpoint over
// HTTP/3, the QUIC-transport counterpart to internal/transport's gRPC
// client used for the partition and CPO services.
type Client struct {
	url      string
	h3Client *http.Client
	rt       *http3.Transport
}

func NewClient(addr string, tlsConf *tls.Config) *Client {
	rt := &http3.Transport{TLSClientConfig: tlsConf}
	return &Client{
		url:      fmt.Sprintf("https://%s%s", addr, timestampPath),
		h3Client: &http.Client{Transport: rt},
		rt:       rt,
	}
}

func (c *Client) GetTimestampBatch(ctx context.Context, req dto.GetTimestampBatchRequest) (dto.GetTimestampBatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return dto.GetTimestampBatchResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, newJSONBody(body))
	if err != nil {
		return dto.GetTimestampBatchResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.h3Client.Do(httpReq)
	if err != nil {
		return dto.GetTimestampBatchResponse{}, err
	}
	defer httpResp.Body.Close()

	var resp dto.GetTimestampBatchResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return dto.GetTimestampBatchResponse{}, err
	}
	return resp, nil
}

func (c *Client) Close() error {
	return c.rt.Close()
}

func newJSONBody(b []byte) io.Reader {
	return &byteReader{b: b}
}

type byteReader struct {
	b   []byte
	off int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}
