// Package api provides HTTP handlers for the ion-image server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ionmap/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		// Rendered ion images
		r.Get("/ionimage.png", ionImagePNGHandler)
		r.Get("/view.png", viewPNGHandler)

		// API endpoints
		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", metadataHandler(cfg.Registry))
			r.Get("/ionimage", ionImageHandler)
			r.Get("/ionimage/stats", ionImageStatsHandler)
			r.Get("/view", viewHandler)
			r.Post("/view/mz", setMzHandler)
			r.Post("/view/normalize", setNormalizeHandler)
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the ion-image
// service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.IonImageService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.IonImageService); ok {
		return svc
	}
	return nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func metadataHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getDatasetService(r)
		if svc == nil {
			http.Error(w, "dataset service not found", http.StatusInternalServerError)
			return
		}
		datasetID := chi.URLParam(r, "dataset")
		md := registry.Metadata(datasetID)
		view := svc.CurrentView()

		response := map[string]interface{}{
			"dataset":        datasetID,
			"source_path":    md.SourcePath,
			"mode":           md.Mode,
			"spectrum_count": md.SpectrumCount,
			"pixels_x":       md.PixelsX,
			"pixels_y":       md.PixelsY,
			"mz_min":         view.MzMin,
			"mz_max":         view.MzMax,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// viewHandler returns the current view state.
func viewHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(svc.CurrentView())
}

type setMzRequest struct {
	Value float64 `json:"value"`
}

// setMzHandler is the m/z change hook. An out-of-range value is a normal
// user-input condition: the request succeeds, the prior state is kept and a
// warning is returned.
func setMzHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	var req setMzRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if math.IsNaN(req.Value) || math.IsInf(req.Value, 0) {
		http.Error(w, "value must be a finite number", http.StatusBadRequest)
		return
	}

	accepted := svc.SetMz(req.Value)
	response := map[string]interface{}{
		"accepted": accepted,
		"view":     svc.CurrentView(),
	}
	if !accepted {
		mzMin, mzMax := svc.MzRange()
		response["warning"] = fmt.Sprintf("m/z %g outside range [%g, %g]", req.Value, mzMin, mzMax)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

type setNormalizeRequest struct {
	Flag bool `json:"flag"`
}

// setNormalizeHandler is the TIC-normalization toggle hook.
func setNormalizeHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	var req setNormalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	svc.SetNormalize(req.Flag)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": true,
		"view":     svc.CurrentView(),
	})
}

// ionImageHandler returns the intensity map as JSON arrays. Without an mz
// query parameter the current view state is used.
func ionImageHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	mz, normalize, err := buildParams(svc, r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m := svc.BuildIntensityMap(mz, normalize)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}

// ionImageStatsHandler returns intensity statistics for colorbar scaling.
func ionImageStatsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	mz, normalize, err := buildParams(svc, r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m := svc.BuildIntensityMap(mz, normalize)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(svc.Stats(m))
}

// ionImagePNGHandler renders the ion image for the given parameters.
// A render failure is fatal to this request only; there is no retry.
func ionImagePNGHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	query := r.URL.Query()
	mz, normalize, err := buildParams(svc, query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	colormapName := query.Get("colormap")
	if colormapName == "" {
		colormapName = "viridis"
	}
	pointScale := parsePointScale(query)

	data, err := svc.RenderIonImage(mz, normalize, colormapName, pointScale)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

// viewPNGHandler renders the ion image at the current view state.
func viewPNGHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	query := r.URL.Query()
	colormapName := query.Get("colormap")
	if colormapName == "" {
		colormapName = "viridis"
	}
	pointScale := parsePointScale(query)

	data, err := svc.RenderCurrentView(colormapName, pointScale)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

// buildParams resolves the mz and normalize query parameters, falling back to
// the current view state when absent.
func buildParams(svc *service.IonImageService, query url.Values) (float64, bool, error) {
	view := svc.CurrentView()
	mz := view.Mz
	normalize := view.Normalize

	if raw := strings.TrimSpace(query.Get("mz")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false, fmt.Errorf("invalid mz parameter: %q", raw)
		}
		mz = v
	}
	if raw := strings.TrimSpace(query.Get("normalize")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return 0, false, fmt.Errorf("invalid normalize parameter: %q", raw)
		}
		normalize = v
	}

	return mz, normalize, nil
}

func parsePointScale(query url.Values) float64 {
	const defaultPointScale = 1.0
	raw := strings.TrimSpace(query.Get("point_scale"))
	if raw == "" {
		return defaultPointScale
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return defaultPointScale
	}
	// Clamp to a sane range. 1.0 means "fill the full pixel cell".
	if v < 0.1 {
		v = 0.1
	}
	if v > 5.0 {
		v = 5.0
	}
	// Quantize for stable caching.
	return math.Round(v*1000) / 1000
}
