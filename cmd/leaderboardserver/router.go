package main

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/typemaster/leaderboard/internal/anticheat"
	leaderrors "github.com/typemaster/leaderboard/internal/errors"
	"github.com/typemaster/leaderboard/internal/httputil"
	"github.com/typemaster/leaderboard/internal/model"
	"github.com/typemaster/leaderboard/internal/race"
	"github.com/typemaster/leaderboard/internal/storage"
)

// newRouter builds the leaderboard server's HTTP surface: the WebSocket
// endpoint, the leaderboard/around-me/ingest read-write API, the races
// API, and the operational endpoints.
func newRouter(app *application) *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(app.logger))
	r.Use(recoveryMiddleware(app.logger, app.metrics))
	r.Use(metricsMiddleware(app.metrics))
	r.Use(bodyLimitMiddleware(int64(app.cfg.WebSocket.MaxMessageBytes)))

	r.HandleFunc("/ws/leaderboard", app.wsServer.ServeHTTP)

	r.HandleFunc("/api/leaderboard", app.handleLeaderboard).Methods(http.MethodGet)
	r.HandleFunc("/api/leaderboard/around-me", app.handleAroundMe).Methods(http.MethodGet)
	r.HandleFunc("/api/scores", app.handleSubmitScore).Methods(http.MethodPost)

	r.HandleFunc("/api/races/quick-match", app.handleQuickMatch).Methods(http.MethodPost)
	r.HandleFunc("/api/races/rooms", app.handleCreateRoom).Methods(http.MethodPost)
	r.HandleFunc("/api/races/join", app.handleJoinByCode).Methods(http.MethodPost)
	r.HandleFunc("/api/races/{raceId}", app.handleGetRace).Methods(http.MethodGet)
	r.HandleFunc("/api/races/{raceId}/progress", app.handleUpdateProgress).Methods(http.MethodPost)
	r.HandleFunc("/api/races/{raceId}/kick", app.handleKick).Methods(http.MethodPost)

	r.HandleFunc("/healthz", app.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := leaderrors.GetHTTPStatus(err)
	httputil.WriteErrorWithCode(w, status, string(serviceErrorCode(err)), err.Error())
}

func serviceErrorCode(err error) leaderrors.ErrorCode {
	if svcErr := leaderrors.GetServiceError(err); svcErr != nil {
		return svcErr.Code
	}
	return ""
}

// --- Leaderboard reads ------------------------------------------------------

func (app *application) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if cursor := q.Get("cursor"); cursor != "" {
		if raw, err := base64.StdEncoding.DecodeString(cursor); err == nil {
			if n, err := strconv.Atoi(strings.TrimPrefix(string(raw), "offset:")); err == nil {
				offset = n
			}
		}
	}

	query := storage.LeaderboardQuery{
		Mode:      model.LeaderboardMode(firstNonEmpty(q.Get("mode"), string(model.ModeGlobal))),
		Timeframe: model.Timeframe(firstNonEmpty(q.Get("timeframe"), string(model.TimeframeAll))),
		Language:  firstNonEmpty(q.Get("language"), "en"),
		Limit:     limit,
		Offset:    offset,
	}

	resp, err := app.tieredCache.Read(r.Context(), query)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if etag := resp.Metadata.ETag; etag != "" && r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (app *application) handleAroundMe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		httputil.BadRequest(w, "userId is required")
		return
	}
	rng, _ := strconv.Atoi(q.Get("range"))
	if rng <= 0 {
		rng = app.cfg.Cache.AroundMeRange
	}

	entries, userRank, err := app.store.QueryAroundMe(r.Context(), storage.AroundMeQuery{
		UserID:    userID,
		Mode:      model.LeaderboardMode(firstNonEmpty(q.Get("mode"), string(model.ModeGlobal))),
		Timeframe: model.Timeframe(firstNonEmpty(q.Get("timeframe"), string(model.TimeframeAll))),
		Language:  firstNonEmpty(q.Get("language"), "en"),
		Range:     rng,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]model.AroundMeEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, model.AroundMeEntry{LeaderboardEntry: e, IsSelf: e.UserID == userID})
	}
	httputil.WriteJSON(w, http.StatusOK, model.AroundMeCache{
		UserID: userID, UserRank: userRank, Entries: out, CachedAt: time.Now().UTC(),
	})
}

// scoreSubmissionRequest is the wire shape of POST /api/scores, combining
// the durable ScoreEvent fields with the anti-cheat telemetry needed by
// spec §4.10's validator.
type scoreSubmissionRequest struct {
	model.ScoreEvent
	IsStressMode    bool    `json:"isStressMode"`
	StressScore     float64 `json:"stressScore"`
	DurationSeconds float64 `json:"durationSeconds"`
	CharCount       int     `json:"charCount"`
	SurvivalSeconds float64 `json:"survivalSeconds"`
	IsFirstAttempt  bool    `json:"isFirstAttempt"`
}

func (app *application) handleSubmitScore(w http.ResponseWriter, r *http.Request) {
	var req scoreSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "malformed request body")
		return
	}
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().UnixMilli()
	}

	var priorWPMs []float64
	if recent, err := app.store.RecentScores(r.Context(), req.UserID, req.Mode, 5); err == nil {
		for _, e := range recent {
			priorWPMs = append(priorWPMs, e.WPM)
		}
	}

	flags, err := app.antiCheat.Validate(anticheat.Submission{
		WPM:                     req.WPM,
		Accuracy:                req.Accuracy,
		IsStressMode:            req.IsStressMode,
		StressScore:             req.StressScore,
		StressScoreCap:          10000,
		DurationSeconds:         req.DurationSeconds,
		CharCount:               req.CharCount,
		SurvivalSeconds:         req.SurvivalSeconds,
		IsFirstAttempt:          req.IsFirstAttempt,
		PriorSameDifficultyWPMs: priorWPMs,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	eventID, err := app.stream.Publish(r.Context(), req.ScoreEvent)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	_ = app.wsServer.UpgradeToActiveTier(r.Context(), req.UserID)

	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"eventId": eventID,
		"flags":   flags,
	})
}

// --- Races -------------------------------------------------------------------

type participantRequest struct {
	UserID      string `json:"userId,omitempty"`
	GuestID     string `json:"guestId,omitempty"`
	Username    string `json:"username"`
	AvatarColor string `json:"avatarColor,omitempty"`
}

func (p participantRequest) toModel() model.Participant {
	return model.Participant{UserID: p.UserID, GuestID: p.GuestID, Username: p.Username, AvatarColor: p.AvatarColor}
}

func writeJoinResult(w http.ResponseWriter, result race.JoinResult) {
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (app *application) handleQuickMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode        string             `json:"mode"`
		Participant participantRequest `json:"participant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "malformed request body")
		return
	}

	result, err := app.coordinator.QuickMatch(r.Context(), req.Mode, req.Participant.toModel())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	app.scheduleBotFill(result.Race.RaceID)
	writeJoinResult(w, result)
}

func (app *application) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode        string             `json:"mode"`
		MaxPlayers  int                `json:"maxPlayers"`
		Participant participantRequest `json:"participant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "malformed request body")
		return
	}

	result, err := app.coordinator.CreateRoom(r.Context(), req.Mode, req.MaxPlayers, req.Participant.toModel())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJoinResult(w, result)
}

func (app *application) handleJoinByCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomCode    string             `json:"roomCode"`
		Participant participantRequest `json:"participant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "malformed request body")
		return
	}

	result, err := app.coordinator.JoinByCode(r.Context(), req.RoomCode, req.Participant.toModel())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJoinResult(w, result)
}

func (app *application) handleGetRace(w http.ResponseWriter, r *http.Request) {
	raceID := mux.Vars(r)["raceId"]
	race, found, err := app.coordinator.GetRace(r.Context(), raceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !found {
		writeServiceError(w, leaderrors.NotFound("race", raceID))
		return
	}
	participants, err := app.coordinator.ListParticipants(r.Context(), raceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"race": race, "participants": participants})
}

func (app *application) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	raceID := mux.Vars(r)["raceId"]
	var req struct {
		ParticipantID string  `json:"participantId"`
		Progress      float64 `json:"progress"`
		WPM           float64 `json:"wpm"`
		Accuracy      float64 `json:"accuracy"`
		Errors        int     `json:"errors"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "malformed request body")
		return
	}

	if err := app.coordinator.UpdateProgress(r.Context(), raceID, req.ParticipantID, req.Progress, req.WPM, req.Accuracy, req.Errors); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (app *application) handleKick(w http.ResponseWriter, r *http.Request) {
	raceID := mux.Vars(r)["raceId"]
	var req struct {
		Participant participantRequest `json:"participant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "malformed request body")
		return
	}

	if err := app.coordinator.Kick(r.Context(), raceID, req.Participant.toModel()); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Operational endpoints ---------------------------------------------------

func (app *application) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
