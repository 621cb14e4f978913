package handlers

import (
	"context"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"resonance-backend/application/ports"
	"resonance-backend/application/services"
	"resonance-backend/domain/core/entities"
	"resonance-backend/domain/core/valueobjects"
	"resonance-backend/pkg/auth"
	pkgerrors "resonance-backend/pkg/errors"
)

// SimilarityService is the engine surface the handlers use.
type SimilarityService interface {
	RecalculateSimilaritiesForUser(ctx context.Context, communityID, userID string) (*services.RecomputeSummary, error)
	GetSimilarityBreakdown(ctx context.Context, communityID, userID1, userID2 string) (*services.SimilarityBreakdown, error)
	GetNetworkSimilarityStats(ctx context.Context, communityID string) (*services.NetworkStats, error)
}

// NeighborService serves cached top-K lookups.
type NeighborService interface {
	GetSimilarProfiles(ctx context.Context, userID, communityID string, limit int) (*services.SimilarProfilesResult, error)
	GetCacheStats(ctx context.Context) (*services.CacheStats, error)
}

// SimilarityHandler serves per-community similarity reads and per-user
// recomputes.
type SimilarityHandler struct {
	responder
	engine    SimilarityService
	neighbors NeighborService
	store     ports.ConnectionStore
	profiles  ports.ProfileSource
}

func NewSimilarityHandler(
	engine SimilarityService,
	neighbors NeighborService,
	store ports.ConnectionStore,
	profiles ports.ProfileSource,
	errs *pkgerrors.ErrorHandler,
	logger *zap.Logger,
) *SimilarityHandler {
	return &SimilarityHandler{
		responder: responder{errors: errs, logger: logger},
		engine:    engine,
		neighbors: neighbors,
		store:     store,
		profiles:  profiles,
	}
}

// authorizeCommunity rejects malformed community ids and tokens scoped to a
// different community.
func authorizeCommunity(user *auth.UserContext, communityID string) error {
	if err := entities.ValidateID("communityId", communityID); err != nil {
		return err
	}
	if user.CommunityID == "" || user.CommunityID == communityID || user.HasRole("admin") {
		return nil
	}
	return pkgerrors.NewForbiddenError("token is not valid for this community")
}

// RecomputeUser handles POST /communities/{communityID}/similarities/users/{userID}/recompute.
// Callers may recompute their own edges; admins may recompute anyone's.
func (h *SimilarityHandler) RecomputeUser(w http.ResponseWriter, r *http.Request) {
	communityID := chi.URLParam(r, "communityID")
	userID := chi.URLParam(r, "userID")

	user, err := currentUser(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := authorizeCommunity(user, communityID); err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := entities.ValidateID("userId", userID); err != nil {
		h.respondError(w, r, err)
		return
	}
	if user.UserID != userID && !user.HasRole("admin") {
		h.respondError(w, r, pkgerrors.NewForbiddenError("only admins may recompute other users"))
		return
	}

	summary, err := h.engine.RecalculateSimilaritiesForUser(r.Context(), communityID, userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, summary)
}

type breakdownQuery struct {
	User1 string `query:"user1" validate:"required"`
	User2 string `query:"user2" validate:"required,nefield=User1"`
}

// Breakdown handles GET /communities/{communityID}/similarities/breakdown.
func (h *SimilarityHandler) Breakdown(w http.ResponseWriter, r *http.Request) {
	communityID := chi.URLParam(r, "communityID")
	user, err := currentUser(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := authorizeCommunity(user, communityID); err != nil {
		h.respondError(w, r, err)
		return
	}

	q := breakdownQuery{User1: r.URL.Query().Get("user1"), User2: r.URL.Query().Get("user2")}
	if err := validateRequest(q); err != nil {
		h.respondError(w, r, err)
		return
	}

	breakdown, err := h.engine.GetSimilarityBreakdown(r.Context(), communityID, q.User1, q.User2)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, breakdown)
}

// Stats handles GET /communities/{communityID}/similarities/stats.
func (h *SimilarityHandler) Stats(w http.ResponseWriter, r *http.Request) {
	communityID := chi.URLParam(r, "communityID")
	user, err := currentUser(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := authorizeCommunity(user, communityID); err != nil {
		h.respondError(w, r, err)
		return
	}

	stats, err := h.engine.GetNetworkSimilarityStats(r.Context(), communityID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

type similarProfilesQuery struct {
	Limit int `query:"limit" validate:"min=0"`
}

// SimilarProfiles handles GET /communities/{communityID}/similar-profiles for
// the calling user. A limit of 0 selects the cache default; larger limits
// are clamped by the cache.
func (h *SimilarityHandler) SimilarProfiles(w http.ResponseWriter, r *http.Request) {
	communityID := chi.URLParam(r, "communityID")
	user, err := currentUser(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := authorizeCommunity(user, communityID); err != nil {
		h.respondError(w, r, err)
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	q := similarProfilesQuery{Limit: limit}
	if err := validateRequest(q); err != nil {
		h.respondError(w, r, err)
		return
	}

	result, err := h.neighbors.GetSimilarProfiles(r.Context(), user.UserID, communityID, q.Limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// GraphNode is one member in the graph view.
type GraphNode struct {
	ID       string   `json:"id"`
	Keywords []string `json:"keywords"`
}

// GraphLink is one unordered pair. The field names are consumed by the
// community graph UI.
type GraphLink struct {
	FromID      string `json:"fromId"`
	ToID        string `json:"toId"`
	Weight      int    `json:"weight"`
	Description string `json:"description"`
}

type GraphView struct {
	CommunityID string      `json:"communityId"`
	Nodes       []GraphNode `json:"nodes"`
	Links       []GraphLink `json:"links"`
}

type graphQuery struct {
	MinWeight int `query:"minWeight" validate:"min=0,max=10"`
}

// Connections handles GET /communities/{communityID}/connections. Every
// profile is a node; each pair appears once, oriented from the smaller id.
func (h *SimilarityHandler) Connections(w http.ResponseWriter, r *http.Request) {
	communityID := chi.URLParam(r, "communityID")
	user, err := currentUser(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := authorizeCommunity(user, communityID); err != nil {
		h.respondError(w, r, err)
		return
	}
	minWeight, err := queryInt(r, "minWeight")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	q := graphQuery{MinWeight: minWeight}
	if err := validateRequest(q); err != nil {
		h.respondError(w, r, err)
		return
	}

	view, err := h.graphView(r.Context(), communityID, q.MinWeight)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

func (h *SimilarityHandler) graphView(ctx context.Context, communityID string, minWeight int) (*GraphView, error) {
	profiles, err := h.profiles.ListProfiles(ctx, communityID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list profiles")
	}
	view := &GraphView{CommunityID: communityID, Nodes: make([]GraphNode, 0, len(profiles)), Links: []GraphLink{}}
	known := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		known[p.UserID] = true
		view.Nodes = append(view.Nodes, GraphNode{ID: p.UserID, Keywords: p.Keywords})
	}

	// A pair is listed once even when only one of its rows survived; the
	// row oriented from the smaller id wins when both are present.
	linkAt := make(map[valueobjects.PairKey]int)
	cursor := ""
	for {
		page, err := h.store.Scan(ctx, ports.ScanQuery{CommunityID: communityID, Cursor: cursor, Limit: 1000})
		if err != nil {
			return nil, pkgerrors.Wrap(err, "scan connections")
		}
		for _, c := range page.Connections {
			if c.FromID == c.ToID || c.Weight < minWeight {
				continue
			}
			pair := c.Pair()
			link := GraphLink{FromID: pair.A, ToID: pair.B, Weight: c.Weight, Description: c.Description}
			if i, ok := linkAt[pair]; ok {
				if c.FromID == pair.A {
					view.Links[i] = link
				}
				continue
			}
			linkAt[pair] = len(view.Links)
			view.Links = append(view.Links, link)
			// Edges can outlive a deleted profile until the next recompute.
			for _, id := range []string{c.FromID, c.ToID} {
				if !known[id] {
					known[id] = true
					view.Nodes = append(view.Nodes, GraphNode{ID: id, Keywords: []string{}})
				}
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	sort.Slice(view.Nodes, func(i, j int) bool { return view.Nodes[i].ID < view.Nodes[j].ID })
	return view, nil
}

// CacheStats handles GET /similarities/cache-stats.
func (h *SimilarityHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.neighbors.GetCacheStats(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}
