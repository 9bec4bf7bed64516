package rating

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/csv"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/vidsurvey/vidsurvey/internal/database"
	"github.com/vidsurvey/vidsurvey/internal/httputil"
)

// HashExportKey returns the hex SHA-256 of a plaintext export key; the server
// is configured with the hash, never the key itself.
func HashExportKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// RequireExportKey gates the researcher endpoints on an X-API-Key header
// whose SHA-256 matches keyHash. With no hash configured the endpoints are
// disabled outright.
func RequireExportKey(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				httputil.WriteError(w, http.StatusNotFound, "export disabled")
				return
			}
			got := HashExportKey(r.Header.Get("X-API-Key"))
			if subtle.ConstantTimeCompare([]byte(got), []byte(keyHash)) != 1 {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExportCSV streams every rating row as CSV, ordered by id.
func ExportCSV(db database.DBTX) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := db.Query(r.Context(),
			`SELECT id, created_at, video_id, rating, uuid, certainty, resolution, is_final, browser, device, country
			 FROM ratings ORDER BY id`)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to query ratings")
			return
		}
		defer rows.Close()

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="ratings.csv"`)

		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"id", "timestamp", "videoId", "rating", "uuid", "certainty", "resolution", "final", "browser", "device", "country"})

		for rows.Next() {
			var (
				id         int64
				createdAt  time.Time
				videoID    string
				score      int
				uuid       string
				certainty  *int
				resolution *string
				isFinal    bool
				browser    *string
				device     *string
				country    *string
			)
			if err := rows.Scan(&id, &createdAt, &videoID, &score, &uuid, &certainty, &resolution, &isFinal, &browser, &device, &country); err != nil {
				return
			}
			_ = cw.Write([]string{
				strconv.FormatInt(id, 10),
				createdAt.UTC().Format(time.RFC3339),
				videoID,
				strconv.Itoa(score),
				uuid,
				optInt(certainty),
				optStr(resolution),
				strconv.FormatBool(isFinal),
				optStr(browser),
				optStr(device),
				optStr(country),
			})
		}
		cw.Flush()
	}
}

type videoSummary struct {
	VideoID string  `json:"videoId"`
	Count   int64   `json:"count"`
	Mean    float64 `json:"mean"`
}

// Summary returns per-clip rating counts and means, the aggregation the
// analysis scripts start from.
func Summary(db database.DBTX) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := db.Query(r.Context(),
			`SELECT video_id, COUNT(*), AVG(rating)::float8
			 FROM ratings GROUP BY video_id ORDER BY video_id`)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to query ratings")
			return
		}
		defer rows.Close()

		summaries := make([]videoSummary, 0)
		for rows.Next() {
			var s videoSummary
			if err := rows.Scan(&s.VideoID, &s.Count, &s.Mean); err != nil {
				httputil.WriteError(w, http.StatusInternalServerError, "failed to read ratings")
				return
			}
			summaries = append(summaries, s)
		}
		httputil.WriteJSON(w, http.StatusOK, summaries)
	}
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func optStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
