package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/provenplay/matchproof/pkg/coordinator"
	"github.com/provenplay/matchproof/pkg/observability"
	"github.com/provenplay/matchproof/pkg/record"
	"github.com/provenplay/matchproof/pkg/verify"
)

// gameInfo is one entry in the games listing.
type gameInfo struct {
	Name       string `json:"name"`
	MinPlayers int    `json:"min_players"`
	MaxPlayers int    `json:"max_players"`
	Replayable bool   `json:"replayable"`
}

// joinRequest adds a player to a match.
type joinRequest struct {
	PlayerID  string            `json:"player_id"`
	Type      string            `json:"type,omitempty"`
	PublicKey string            `json:"public_key,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// moveRequest submits one move.
type moveRequest struct {
	PlayerID string          `json:"player_id"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// endRequest terminates a match by server decision.
type endRequest struct {
	Winner string `json:"winner,omitempty"`
}

func (s *Server) listGames(c echo.Context) error {
	specs := s.deps.Games.Specs()
	games := make([]gameInfo, 0, len(specs))
	for _, spec := range specs {
		games = append(games, gameInfo{
			Name:       spec.Name,
			MinPlayers: spec.MinPlayers,
			MaxPlayers: spec.MaxPlayers,
			Replayable: s.deps.Games.Replayable(spec.Name),
		})
	}
	return c.JSONPretty(http.StatusOK, games, "  ")
}

func (s *Server) createMatch(c echo.Context) error {
	var req coordinator.CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Game == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "game is required")
	}
	m, err := s.deps.Matches.CreateMatch(c.Request().Context(), req)
	if err != nil {
		return err
	}
	snap, err := m.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSONPretty(http.StatusCreated, snap, "  ")
}

func (s *Server) listMatches(c echo.Context) error {
	snaps, err := s.deps.Matches.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSONPretty(http.StatusOK, snaps, "  ")
}

func (s *Server) getMatch(c echo.Context) error {
	m, err := s.deps.Matches.Match(c.Param("id"))
	if err != nil {
		return err
	}
	snap, err := m.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSONPretty(http.StatusOK, snap, "  ")
}

func (s *Server) joinMatch(c echo.Context) error {
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.PlayerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "player_id is required")
	}
	m, err := s.deps.Matches.Match(c.Param("id"))
	if err != nil {
		return err
	}
	player := record.PlayerRecord{
		PlayerID:  req.PlayerID,
		Type:      req.Type,
		PublicKey: req.PublicKey,
		Metadata:  req.Metadata,
	}
	if err := m.Join(c.Request().Context(), player); err != nil {
		return err
	}
	snap, err := m.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSONPretty(http.StatusOK, snap, "  ")
}

func (s *Server) startMatch(c echo.Context) error {
	m, err := s.deps.Matches.Match(c.Param("id"))
	if err != nil {
		return err
	}
	if err := m.Start(c.Request().Context()); err != nil {
		return err
	}
	snap, err := m.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSONPretty(http.StatusOK, snap, "  ")
}

// submitMove answers 202: the move is applied locally and broadcast, but
// chain confirmation is still outstanding when the receipt returns.
func (s *Server) submitMove(c echo.Context) error {
	var req moveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.PlayerID == "" || req.Action == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "player_id and action are required")
	}
	m, err := s.deps.Matches.Match(c.Param("id"))
	if err != nil {
		return err
	}
	receipt, err := m.SubmitMove(c.Request().Context(), req.PlayerID, req.Action, req.Payload)
	if err != nil {
		return err
	}
	return c.JSONPretty(http.StatusAccepted, receipt, "  ")
}

func (s *Server) endMatch(c echo.Context) error {
	var req endRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := s.deps.Matches.Match(c.Param("id"))
	if err != nil {
		return err
	}
	if err := m.End(c.Request().Context(), req.Winner); err != nil {
		return err
	}
	snap, err := m.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSONPretty(http.StatusOK, snap, "  ")
}

func (s *Server) reconcileMatch(c echo.Context) error {
	m, err := s.deps.Matches.Match(c.Param("id"))
	if err != nil {
		return err
	}
	snap, err := m.ForceReconcile(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSONPretty(http.StatusOK, snap, "  ")
}

func (s *Server) resumeMatch(c echo.Context) error {
	m, err := s.deps.Matches.Match(c.Param("id"))
	if err != nil {
		return err
	}
	snap, err := m.Resume(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSONPretty(http.StatusOK, snap, "  ")
}

// getRecord serves the finalized record in its canonical byte form. The
// bytes are returned exactly as hashed; re-encoding them here would break
// independent hash recomputation.
func (s *Server) getRecord(c echo.Context) error {
	rec, err := s.deps.Matches.Record(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	data, err := rec.CanonicalBytes()
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
}

// verifyMatch runs the full verification pipeline against the stored
// record and whatever anchor the chain holds. A missing anchor is not an
// HTTP error: the report states it, fail-closed.
func (s *Server) verifyMatch(c echo.Context) error {
	if s.deps.Verifier == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "record verification is not configured")
	}
	ctx := c.Request().Context()
	rec, err := s.deps.Matches.Record(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	start := time.Now()
	anchor, err := s.resolveAnchor(ctx, rec.MatchID)
	if err != nil {
		s.observeVerify(start, err)
		return err
	}
	report, err := s.deps.Verifier.VerifyMatch(ctx, rec, anchor)
	s.observeVerify(start, err)
	if err != nil {
		return err
	}
	return c.JSONPretty(http.StatusOK, report, "  ")
}

// verifyRaw verifies a record supplied in the request body, for auditing
// records that were exported or received out of band.
func (s *Server) verifyRaw(c echo.Context) error {
	if s.deps.Verifier == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "record verification is not configured")
	}
	ctx := c.Request().Context()
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	if len(raw) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}

	// Anchor lookup needs the match ID, which only a parseable record has.
	// An unparseable one still gets a report; it fails the schema check.
	start := time.Now()
	var anchor verify.Anchor
	if rec, perr := record.Parse(raw); perr == nil {
		anchor, err = s.resolveAnchor(ctx, rec.MatchID)
		if err != nil {
			s.observeVerify(start, err)
			return err
		}
	}
	report, err := s.deps.Verifier.VerifyRaw(ctx, raw, anchor)
	s.observeVerify(start, err)
	if err != nil {
		return err
	}
	return c.JSONPretty(http.StatusOK, report, "  ")
}

// observeVerify reports one verification pass to the objective tracker.
// Success is operational: a FAILED verdict delivered in a clean report
// still counts, only pipeline errors burn budget.
func (s *Server) observeVerify(start time.Time, err error) {
	s.deps.SLO.Record(observability.SLOObservation{
		Operation: observability.OpVerify,
		Latency:   time.Since(start),
		Success:   err == nil,
	})
}

// resolveAnchor finds the on-chain commitment for a match. No anchor at
// all resolves to the zero Anchor so the verification report can state
// the missing commitment instead of the API erroring out.
func (s *Server) resolveAnchor(ctx context.Context, matchID string) (verify.Anchor, error) {
	var manifests verify.ManifestSource
	if s.deps.Batches != nil {
		manifests = s.deps.Batches
	}
	anchor, err := s.deps.Verifier.Resolve(ctx, matchID, manifests)
	if err != nil {
		if errors.Is(err, verify.ErrNoAnchor) {
			return verify.Anchor{}, nil
		}
		return verify.Anchor{}, err
	}
	return anchor, nil
}

func (s *Server) getTimeline(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	matchID := c.Param("id")
	entries := s.deps.Timeline.Query(observability.TimelineQuery{MatchID: matchID, Limit: limit})
	if entries == nil {
		entries = []observability.TimelineEntry{}
	}
	return c.JSONPretty(http.StatusOK, map[string]any{
		"match_id": matchID,
		"count":    len(entries),
		"entries":  entries,
	}, "  ")
}

func (s *Server) listBatches(c echo.Context) error {
	if s.deps.Batches == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "batch anchoring is not configured")
	}
	manifests, err := s.deps.Batches.Manifests(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSONPretty(http.StatusOK, manifests, "  ")
}

func (s *Server) getBatch(c echo.Context) error {
	if s.deps.Batches == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "batch anchoring is not configured")
	}
	manifest, err := s.deps.Batches.Manifest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSONPretty(http.StatusOK, manifest, "  ")
}

// flushBatches schedules an immediate flush of the pending queue. The
// flush itself runs on the manager's own loop.
func (s *Server) flushBatches(c echo.Context) error {
	if s.deps.Batches == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "batch anchoring is not configured")
	}
	s.deps.Batches.Flush()
	return c.JSONPretty(http.StatusAccepted, map[string]any{
		"status": "flush scheduled",
		"queued": s.deps.Batches.QueueLen(),
	}, "  ")
}

// getSLO reports objective compliance per tracked operation.
func (s *Server) getSLO(c echo.Context) error {
	if s.deps.SLO == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "slo tracking is not configured")
	}
	ops := s.deps.SLO.Operations()
	statuses := make([]*observability.SLOStatus, 0, len(ops))
	for _, op := range ops {
		status, err := s.deps.SLO.Status(op)
		if err != nil {
			return err
		}
		statuses = append(statuses, status)
	}
	return c.JSONPretty(http.StatusOK, statuses, "  ")
}
