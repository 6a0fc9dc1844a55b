package builtin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/restspace-gateway/internal/auth"
	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/message"
)

type authUser struct {
	PasswordHash string         `json:"passwordHash"`
	Roles        string         `json:"roles,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

type authConfig struct {
	Secret   string              `json:"secret"`
	TokenTTL string              `json:"tokenTtl"`
	Users    map[string]authUser `json:"users"`
}

// authState is the auth service's per base path state.
type authState struct {
	signer *auth.Signer
	users  map[string]authUser
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expiresAt"`
	User      *message.User `json:"user"`
}

func loadAuthState(sctx *ports.ServiceContext, cfg *domain.ServiceConfig, opts Options) (*authState, error) {
	return ports.GetState(sctx.State, func() (*authState, error) {
		var ac authConfig
		if err := cfg.Decode(&ac); err != nil {
			return nil, &domain.ConfigError{Source: cfg.BasePath, Err: err}
		}
		secret := ac.Secret
		if secret == "" {
			secret = opts.JWTSecret
		}
		if secret == "" {
			return nil, domain.NewConfigError(cfg.BasePath, "auth service needs a secret")
		}
		ttl := opts.TokenTTL
		if ac.TokenTTL != "" {
			d, err := time.ParseDuration(ac.TokenTTL)
			if err != nil {
				return nil, domain.NewConfigError(cfg.BasePath, "tokenTtl: %v", err)
			}
			ttl = d
		}
		signer, err := auth.NewSigner(secret, sctx.Tenant, ttl)
		if err != nil {
			return nil, &domain.ConfigError{Source: cfg.BasePath, Err: err}
		}
		return &authState{signer: signer, users: ac.Users}, nil
	})
}

func authService(opts Options) *ports.Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ports.Service{
		Init: func(_ context.Context, sctx *ports.ServiceContext, cfg *domain.ServiceConfig, _ *ports.StateScope) error {
			_, err := loadAuthState(sctx, cfg, opts)
			return err
		},

		AuthType: func(msg *message.Message) ports.AuthorizationType {
			switch msg.URL.ServicePath() {
			case "/login", "/logout":
				return ports.AuthNone
			}
			return ports.DefaultAuthType(msg)
		},

		SetUser: func(_ context.Context, msg *message.Message, sctx *ports.ServiceContext, cfg *domain.ServiceConfig) error {
			st, err := loadAuthState(sctx, cfg, opts)
			if err != nil {
				return err
			}
			msg.User = message.AnonUser()
			token, err := auth.ExtractToken(msg)
			if err != nil || token == "" {
				return nil
			}
			user, err := st.signer.Parse(token)
			if err != nil {
				opts.Logger.Debug("rejected session token",
					slog.String("tenant", sctx.Tenant),
					slog.String("error", err.Error()))
				return nil
			}
			msg.User = user
			return nil
		},

		Func: func(_ context.Context, msg *message.Message, sctx *ports.ServiceContext, cfg *domain.ServiceConfig) (*message.Message, error) {
			st, err := loadAuthState(sctx, cfg, opts)
			if err != nil {
				return nil, err
			}
			switch msg.URL.ServicePath() {
			case "/login":
				if msg.Method != http.MethodPost {
					return nil, methodNotAllowed(msg)
				}
				return login(msg, st)
			case "/logout":
				if msg.Method != http.MethodPost {
					return nil, methodNotAllowed(msg)
				}
				msg.RemoveBody()
				msg.Status = http.StatusNoContent
				msg.Headers.Add("Set-Cookie", sessionCookie("", -1).String())
				return msg, nil
			case "/user":
				if msg.Method != http.MethodGet {
					return nil, methodNotAllowed(msg)
				}
				if msg.User.IsAnon() {
					return nil, domain.ErrUnauthorized("not logged in")
				}
				if err := msg.SetJSON(msg.User); err != nil {
					return nil, err
				}
				return msg, nil
			default:
				return nil, domain.NotFound("no auth endpoint %s", msg.URL.ServicePath())
			}
		},
	}
}

func login(msg *message.Message, st *authState) (*message.Message, error) {
	var req loginRequest
	if msg.Body == nil || json.Unmarshal(msg.Body.Bytes(), &req) != nil || req.Email == "" {
		return nil, domain.ErrInvalidRequest("login needs a JSON body with email and password")
	}
	u, ok := st.users[req.Email]
	if !ok || !auth.VerifySecret(req.Password, u.PasswordHash) {
		return nil, domain.ErrUnauthorized("bad email or password")
	}
	user := &message.User{Email: req.Email, Roles: u.Roles, Fields: u.Fields}
	token, exp, err := st.signer.Issue(user)
	if err != nil {
		return nil, err
	}
	if err := msg.SetJSON(loginResponse{Token: token, ExpiresAt: exp, User: user}); err != nil {
		return nil, err
	}
	msg.Status = http.StatusOK
	msg.Headers.Add("Set-Cookie", sessionCookie(token, int(st.signer.TTL().Seconds())).String())
	return msg, nil
}

func sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     auth.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}
