package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"quo/internal/logging"
	"quo/internal/noderank"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultPollInterval    = 50 * time.Millisecond
	defaultShutdownTimeout = 5 * time.Second
)

// RendezvousConfig describes one rank's membership in an HTTP rendezvous.
// Rank 0 serves the rendezvous on Addr; every rank, including rank 0,
// contributes and polls over HTTP.
type RendezvousConfig struct {
	Addr            string
	Rank            int
	Size            int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	Client          *http.Client
}

type contributeRequest struct {
	Identity noderank.Identity `json:"identity"`
}

type rosterResponse struct {
	Complete bool                `json:"complete"`
	Size     int                 `json:"size"`
	Members  []noderank.Identity `json:"members,omitempty"`
}

// Rendezvous is a single-round all-gather over HTTP for processes that do
// not share an address space.
type Rendezvous struct {
	cfg     RendezvousConfig
	addr    string
	client  *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger

	// rank 0 only
	srv    *http.Server
	roster *roster
	served chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func NewRendezvous(cfg RendezvousConfig) (*Rendezvous, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("rendezvous size must be >= 1, got %d", cfg.Size)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("rank %d outside job of size %d", cfg.Rank, cfg.Size)
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("rendezvous address is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	r := &Rendezvous{
		cfg:     cfg,
		addr:    cfg.Addr,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		logger:  logging.GetLogger(),
	}
	if cfg.Rank == 0 {
		if err := r.serve(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Rendezvous) serve() error {
	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.cfg.Addr, err)
	}
	r.addr = ln.Addr().String()
	r.roster = newRoster(r.cfg.Size)

	mux := http.NewServeMux()
	mux.HandleFunc("/contribute", r.roster.handleContribute)
	mux.HandleFunc("/roster", r.roster.handleRoster)
	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.served = make(chan struct{})
	go func() {
		defer close(r.served)
		if err := r.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.WithField("addr", r.addr).WithError(err).Error("Rendezvous server stopped")
		}
	}()

	r.logger.WithFields(logrus.Fields{
		"addr": r.addr,
		"size": r.cfg.Size,
	}).Info("Rendezvous listening")
	return nil
}

// Addr returns the address ranks contribute to. For rank 0 this is the
// resolved listen address.
func (r *Rendezvous) Addr() string { return r.addr }
func (r *Rendezvous) Rank() int     { return r.cfg.Rank }
func (r *Rendezvous) Size() int     { return r.cfg.Size }

func (r *Rendezvous) url(path string) string {
	return "http://" + r.addr + path
}

// AllGather contributes self and polls until every rank has contributed.
func (r *Rendezvous) AllGather(ctx context.Context, self noderank.Identity) ([]noderank.Identity, error) {
	if self.Rank != r.cfg.Rank {
		return nil, fmt.Errorf("identity rank %d does not match rendezvous rank %d", self.Rank, r.cfg.Rank)
	}
	if err := r.contribute(ctx, self); err != nil {
		return nil, err
	}

	rosterURL := r.url("/roster?rank=" + strconv.Itoa(r.cfg.Rank))
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := r.fetchRoster(ctx, rosterURL)
		if err != nil {
			return nil, err
		}
		if !resp.Complete {
			continue
		}
		if resp.Size != r.cfg.Size || len(resp.Members) != r.cfg.Size {
			return nil, fmt.Errorf("%w: rendezvous reports %d of size %d, expected size %d",
				noderank.ErrParticipation, len(resp.Members), resp.Size, r.cfg.Size)
		}
		return resp.Members, nil
	}
}

// contribute retries transport errors since the coordinator may still be
// starting up. HTTP errors are final.
func (r *Rendezvous) contribute(ctx context.Context, self noderank.Identity) error {
	body, err := json.Marshal(contributeRequest{Identity: self})
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url("/contribute"), bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.WithField("addr", r.addr).WithError(err).Debug("Rendezvous not reachable yet")
			continue
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("%w: contribute rejected (%s): %s",
				noderank.ErrParticipation, resp.Status, bytes.TrimSpace(msg))
		}
		return nil
	}
}

func (r *Rendezvous) fetchRoster(ctx context.Context, url string) (*rosterResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch roster: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("roster request failed: %s", resp.Status)
	}
	var out rosterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode roster: %w", err)
	}
	return &out, nil
}

// Close stops the server on rank 0 once every rank has fetched the complete
// roster, or after ShutdownTimeout. Further calls return the first result.
func (r *Rendezvous) Close() error {
	if r.srv == nil {
		return nil
	}
	r.closeOnce.Do(func() { r.closeErr = r.shutdown() })
	return r.closeErr
}

func (r *Rendezvous) shutdown() error {
	select {
	case <-r.roster.allFetched:
	case <-time.After(r.cfg.ShutdownTimeout):
		r.logger.WithField("addr", r.addr).Warn("Closing rendezvous before every rank fetched the roster")
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()
	err := r.srv.Shutdown(ctx)
	<-r.served
	return err
}

type roster struct {
	mu         sync.Mutex
	size       int
	members    map[int]noderank.Identity
	fetched    map[int]bool
	allFetched chan struct{}
}

func newRoster(size int) *roster {
	return &roster{
		size:       size,
		members:    make(map[int]noderank.Identity),
		fetched:    make(map[int]bool),
		allFetched: make(chan struct{}),
	}
}

func (s *roster) handleContribute(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body contributeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	id := body.Identity
	if id.Rank < 0 || id.Rank >= s.size {
		http.Error(w, fmt.Sprintf("rank %d outside job of size %d", id.Rank, s.size), http.StatusBadRequest)
		return
	}
	if id.NodeToken == "" {
		http.Error(w, "missing node token", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.members[id.Rank]; ok {
		if prev != id {
			http.Error(w, fmt.Sprintf("rank %d already contributed by pid %d on %s", id.Rank, prev.PID, prev.NodeToken), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.members[id.Rank] = id
	w.WriteHeader(http.StatusNoContent)
}

func (s *roster) handleRoster(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rank, err := strconv.Atoi(req.URL.Query().Get("rank"))
	if err != nil || rank < 0 || rank >= s.size {
		http.Error(w, "bad rank", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	resp := rosterResponse{Size: s.size}
	if len(s.members) == s.size {
		resp.Complete = true
		resp.Members = make([]noderank.Identity, 0, s.size)
		for _, id := range s.members {
			resp.Members = append(resp.Members, id)
		}
		noderank.SortIdentities(resp.Members)
		if !s.fetched[rank] {
			s.fetched[rank] = true
			if len(s.fetched) == s.size {
				close(s.allFetched)
			}
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
