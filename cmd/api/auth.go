package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"tradeflow/access"
	"tradeflow/auth"
)

type actorKey struct{}

// publicPaths skip bearer authentication.
var publicPaths = map[string]bool{
	basePath + "/health":        true,
	basePath + "/auth/register": true,
	basePath + "/auth/login":    true,
	basePath + "/openapi.json":  true,
	basePath + "/openapi.yaml":  true,
}

func withActor(ctx context.Context, a access.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFromContext(ctx context.Context) (access.Actor, huma.StatusError) {
	if a, ok := ctx.Value(actorKey{}).(access.Actor); ok && a.ID != "" {
		return a, nil
	}
	return access.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", "")
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

type tokenVerifier interface {
	VerifyToken(token string) (access.Actor, error)
}

func newAuthMiddleware(verifier tokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || publicPaths[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", ""))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", ""))
				return
			}
			actor, err := verifier.VerifyToken(token)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", ""))
				return
			}
			next.ServeHTTP(w, req.WithContext(withActor(req.Context(), actor)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

type registerBody struct {
	Email       string `json:"email" format:"email"`
	Password    string `json:"password"`
	FullName    string `json:"full_name"`
	AccountType string `json:"account_type,omitempty" enum:"customer,tradie,dual"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func registerAuth(api huma.API, svc authService) {
	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Register an account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body registerBody `json:"body"`
	}) (*struct {
		Body userResponse `json:"body"`
	}, error) {
		user, err := svc.Register(ctx, auth.RegisterRequest{
			Email:       input.Body.Email,
			Password:    input.Body.Password,
			FullName:    input.Body.FullName,
			AccountType: access.AccountType(input.Body.AccountType),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body userResponse `json:"body"`
		}{Body: toUserResponse(*user)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange credentials for a bearer token",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body auth.LoginRequest `json:"body"`
	}) (*struct {
		Body loginResponse `json:"body"`
	}, error) {
		res, err := svc.Login(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body loginResponse `json:"body"`
		}{Body: loginResponse{Token: res.Token, User: toUserResponse(res.User)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body userResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actor.Trusted() {
			return &struct {
				Body userResponse `json:"body"`
			}{Body: userResponse{ID: actor.ID, AccountType: "service"}}, nil
		}
		user, err := svc.GetUserByID(ctx, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body userResponse `json:"body"`
		}{Body: toUserResponse(*user)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-payout-account",
		Method:      http.MethodPut,
		Path:        "/me/payout-account",
		Summary:     "Set the provider payout account",
		Errors:      []int{http.StatusUnauthorized, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body struct {
			AccountID string `json:"account_id"`
		} `json:"body"`
	}) (*struct {
		Body userResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		user, err := svc.SetPayoutAccount(ctx, actor, input.Body.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body userResponse `json:"body"`
		}{Body: toUserResponse(*user)}, nil
	})
}

type userResponse struct {
	ID              string     `json:"id"`
	Email           string     `json:"email,omitempty"`
	FullName        string     `json:"full_name,omitempty"`
	AccountType     string     `json:"account_type"`
	PayoutAccountID *string    `json:"payout_account_id,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
}

func toUserResponse(u auth.User) userResponse {
	created := u.CreatedAt
	return userResponse{
		ID:              u.ID,
		Email:           u.Email,
		FullName:        u.FullName,
		AccountType:     string(u.AccountType),
		PayoutAccountID: u.PayoutAccountID,
		CreatedAt:       &created,
	}
}
