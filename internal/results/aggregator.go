// Package results builds the shared outcome handed back to every participant
// once a round completes.
package results

import (
	"context"
	"encoding/json"
	"io"
	"sort"

	"go.uber.org/zap"

	"github.com/agent-racer/gamehost/internal/session"
)

// Entry is one participant line of the outcome.
type Entry struct {
	UserID    string          `json:"userId"`
	Connected bool            `json:"connected"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Outcome is the document written to every submitter.
type Outcome struct {
	Players  []Entry  `json:"players"`
	Missing  []string `json:"missing,omitempty"`
	UserData any      `json:"userData,omitempty"`
}

// Aggregator is the default session.ResultsHandler. It echoes every
// submitted result back to all participants.
type Aggregator struct {
	log *zap.SugaredLogger
}

func NewAggregator(logger *zap.SugaredLogger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Aggregator{log: logger.Named("results")}
}

// Build assembles the outcome for a completed round. Results that are not
// JSON are embedded as JSON strings.
func Build(c session.Completion) Outcome {
	out := Outcome{UserData: c.Config.UserData}
	seen := make(map[string]bool, len(c.Results))
	for _, r := range c.Results {
		seen[r.Identity] = true
		e := Entry{UserID: r.Identity, Connected: r.Peer != nil}
		switch {
		case r.Data == nil:
			out.Missing = append(out.Missing, r.Identity)
		case json.Valid(r.Data):
			e.Result = json.RawMessage(r.Data)
		default:
			quoted, _ := json.Marshal(string(r.Data))
			e.Result = quoted
		}
		out.Players = append(out.Players, e)
	}
	for _, id := range c.Identities {
		if !seen[id] {
			out.Missing = append(out.Missing, id)
		}
	}
	sort.Slice(out.Players, func(i, j int) bool { return out.Players[i].UserID < out.Players[j].UserID })
	sort.Strings(out.Missing)
	return out
}

func (a *Aggregator) GameSessionCompleted(_ context.Context, c session.Completion) (session.WriteFunc, error) {
	out := Build(c)
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	a.log.Infow("game session completed", "players", len(out.Players), "missing", out.Missing)
	return func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}, nil
}
