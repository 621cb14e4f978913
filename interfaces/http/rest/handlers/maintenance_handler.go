package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"resonance-backend/application/services"
	pkgerrors "resonance-backend/pkg/errors"
)

// WeightRepairer clamps persisted weights.
type WeightRepairer interface {
	Run(ctx context.Context, opts services.RepairOptions) (*services.IntegrityReport, error)
}

type MaintenanceHandler struct {
	responder
	integrity WeightRepairer
}

func NewMaintenanceHandler(integrity WeightRepairer, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{responder: responder{errors: errs, logger: logger}, integrity: integrity}
}

// RepairWeights handles POST /maintenance/weights/repair?communityId=&dryRun=.
// Without communityId every community is scanned.
func (h *MaintenanceHandler) RepairWeights(w http.ResponseWriter, r *http.Request) {
	dryRun, err := queryBool(r, "dryRun")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	opts := services.RepairOptions{CommunityID: r.URL.Query().Get("communityId"), DryRun: dryRun}

	report, err := h.integrity.Run(r.Context(), opts)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}
