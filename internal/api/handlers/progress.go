package handlers

import (
	"net/http"

	"github.com/alqutdigital/legal-rag-eval/internal/telemetry"
)

// ProgressSource provides the current evaluation progress.
type ProgressSource interface {
	Snapshot() telemetry.Snapshot
}

func noEvaluation(w http.ResponseWriter) {
	RespondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "no evaluation in progress")
}

// Progress reports the whole-evaluation snapshot.
func Progress(source ProgressSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if source == nil {
			noEvaluation(w)
			return
		}
		RespondJSON(w, http.StatusOK, source.Snapshot())
	}
}

// RunProgress reports a single run; runName extracts the run from the
// request path.
func RunProgress(source ProgressSource, runName func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if source == nil {
			noEvaluation(w)
			return
		}
		name := runName(r)
		for _, run := range source.Snapshot().Runs {
			if run.Run == name {
				RespondJSON(w, http.StatusOK, run)
				return
			}
		}
		RespondError(w, http.StatusNotFound, ErrCodeNotFound, "unknown run "+name)
	}
}
