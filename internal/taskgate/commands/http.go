package commands

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/taskgate/internal/taskgate/slack"
)

const slashBodyLimit = 64 << 10

// SlashHandler serves slash commands posted over HTTP. Requests must carry a
// valid Slack signature; the reply is written in the response body.
type SlashHandler struct {
	secret  string
	handler slack.CommandHandler
	now     func() time.Time
}

// NewSlashHandler verifies requests with secret and runs them through h.
func NewSlashHandler(secret string, h slack.CommandHandler) *SlashHandler {
	return &SlashHandler{secret: secret, handler: h, now: time.Now}
}

func (s *SlashHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeSlack(w, http.StatusMethodNotAllowed, slack.Ephemeral("method not allowed"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, slashBodyLimit))
	if err != nil {
		writeSlack(w, http.StatusBadRequest, slack.Ephemeral("failed to read request body"))
		return
	}
	if err := slack.VerifyRequest(s.secret, r.Header, body, s.now()); err != nil {
		log.Warn().Err(err).Msg("Slash command signature rejected")
		writeSlack(w, http.StatusUnauthorized, slack.Ephemeral("invalid signature"))
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		writeSlack(w, http.StatusBadRequest, slack.Ephemeral("malformed form body"))
		return
	}

	cmd := slack.SlashCommandFromForm(form)
	resp, err := s.handler.HandleCommand(r.Context(), cmd)
	if err != nil {
		log.Error().Err(err).Str("command", cmd.Command).Str("user", cmd.UserID).Msg("Slash command failed")
		resp = slack.Ephemeral("Sorry, there was an error processing your command. Please try again.")
	}
	writeSlack(w, http.StatusOK, resp)
}

func writeSlack(w http.ResponseWriter, status int, resp slack.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("commands: encode slash response")
	}
}
