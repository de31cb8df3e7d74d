package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/api"
	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/types"
)

// ModelsHandler 公开模型列表
type ModelsHandler struct {
	models repo.CandidateRepo
	logger *zap.Logger
}

// NewModelsHandler 创建模型列表处理器
func NewModelsHandler(models repo.CandidateRepo, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{
		models: models,
		logger: logger.With(zap.String("component", "models")),
	}
}

// HandleList 列出对外公开的模型。只出公开名与提供方，
// 上游模型名与凭证不出网关。
// @Router /v1/models [get]
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.models.ListModels(r.Context())
	if err != nil {
		WriteError(w, "", types.NewError(types.SourceGateway, types.ErrInternal, "list models").
			WithCause(err).WithHTTPStatus(http.StatusInternalServerError), h.logger)
		return
	}

	out := api.ModelList{Object: "list", Data: make([]api.ModelInfo, 0, len(entries))}
	seen := make(map[string]bool, len(entries))
	for _, m := range entries {
		if !m.Enabled || seen[m.PublicName] {
			continue
		}
		seen[m.PublicName] = true
		// 网关对外屏蔽上游提供方，owned_by 统一出网关名
		out.Data = append(out.Data, api.ModelInfo{
			ID:      m.PublicName,
			Object:  "model",
			OwnedBy: "gateflow",
			Created: m.CreatedAt.Unix(),
		})
	}
	WriteJSON(w, http.StatusOK, out)
}
