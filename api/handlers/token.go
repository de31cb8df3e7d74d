package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/BaSui01/gateflow/api"
	"github.com/BaSui01/gateflow/auth"
	"github.com/BaSui01/gateflow/repo"
	"github.com/BaSui01/gateflow/types"
)

// UserAuthenticator 用户名登录所需的窄仓储接口
type UserAuthenticator interface {
	GetUserByUsername(ctx context.Context, username string) (*repo.User, error)
}

// TokenHandler 内部通道令牌交换：用户名密码换 HS256 访问令牌。
// 改密或强制下线通过递增 token_version 让已发令牌立即失效。
type TokenHandler struct {
	users     UserAuthenticator
	issuer    *auth.TokenIssuer
	accessTTL time.Duration
	logger    *zap.Logger
}

// NewTokenHandler 创建令牌交换处理器
func NewTokenHandler(users UserAuthenticator, issuer *auth.TokenIssuer, accessTTL time.Duration, logger *zap.Logger) *TokenHandler {
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	return &TokenHandler{
		users:     users,
		issuer:    issuer,
		accessTTL: accessTTL,
		logger:    logger.With(zap.String("component", "token")),
	}
}

// HandleIssue 登录签发访问令牌
// @Router /internal/v1/auth/token [post]
func (h *TokenHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	var req api.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, "", types.NewError(types.SourceClient, types.ErrBadRequest, "invalid JSON body").
			WithCause(err).WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}
	if req.Username == "" || req.Password == "" {
		WriteError(w, "", types.NewError(types.SourceClient, types.ErrBadRequest,
			"username and password are required").WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}

	user, err := h.users.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// 用户不存在与密码错误同一响应，避免枚举
			h.rejectCredentials(w, req.Username)
			return
		}
		WriteError(w, "", types.NewError(types.SourceGateway, types.ErrInternal, "load user").
			WithCause(err).WithHTTPStatus(http.StatusInternalServerError), h.logger)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		h.rejectCredentials(w, req.Username)
		return
	}

	token, err := h.issuer.Issue(user)
	if err != nil {
		WriteError(w, "", types.NewError(types.SourceGateway, types.ErrInternal, "sign token").
			WithCause(err).WithHTTPStatus(http.StatusInternalServerError), h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, api.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(h.accessTTL),
	})
}

func (h *TokenHandler) rejectCredentials(w http.ResponseWriter, username string) {
	h.logger.Warn("login rejected", zap.String("username", username))
	WriteError(w, "", types.NewError(types.SourceClient, types.ErrUnauthorized,
		"invalid username or password").WithHTTPStatus(http.StatusUnauthorized), h.logger)
}
