package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"bountyline/internal/engine"
	"bountyline/internal/ledger"
	"bountyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"claim already has a settlement in flight"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Bountyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Bountyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBounties(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerSettlement(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, ledger.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.HasPrefix(lowered, "forbidden"):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case strings.HasPrefix(lowered, "conflict"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "required"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "must"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "exceeds"),
		strings.Contains(lowered, "below"),
		strings.Contains(lowered, "above"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	default:
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Bountyline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerBounties(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-bounty",
		Method:        http.MethodPost,
		Path:          "/bounties",
		Summary:       "Create bounty",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateBountyRequest `json:"body"`
	}) (*struct {
		Body BountyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CreateBounty(ctx, engine.CreateBountyParams{
			Owner:            account,
			Title:            input.Body.Title,
			Description:      stringOrEmpty(input.Body.Description),
			Category:         input.Body.Category,
			Tags:             input.Body.Tags,
			Token:            input.Body.Token,
			Amount:           input.Body.Amount,
			Authority:        input.Body.Authority,
			MaxDeadline:      input.Body.MaxDeadline,
			DecisionPolicy:   input.Body.DecisionPolicy,
			Whitelist:        input.Body.Whitelist,
			ClaimantApproval: input.Body.ClaimantApproval,
			KYCPolicy:        input.Body.KYCPolicy,
			Postpaid:         input.Body.Postpaid,
			Mode:             input.Body.Mode.state(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BountyResponse `json:"body"`
		}{Body: bountyResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bounties",
		Method:      http.MethodGet,
		Path:        "/bounties",
		Summary:     "List bounties",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Owner  string `query:"owner"`
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedBounties `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorID, err := parseCursorID(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListBounties(ctx, repo.BountyFilters{
			Owner:    input.Owner,
			Status:   input.Status,
			Limit:    limit + 1,
			CursorID: cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedBounties{Items: []BountyResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapBounties(items)
		return &struct {
			Body paginatedBounties `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bounty",
		Method:      http.MethodGet,
		Path:        "/bounties/{id}",
		Summary:     "Get bounty",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body BountyResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBounty(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BountyResponse `json:"body"`
		}{Body: bountyResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-bounty",
		Method:      http.MethodPost,
		Path:        "/bounties/{id}/cancel",
		Summary:     "Cancel bounty",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body BountyResponse `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CancelBounty(ctx, input.ID, account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BountyResponse `json:"body"`
		}{Body: bountyResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-bounty",
		Method:      http.MethodPost,
		Path:        "/bounties/{id}/finalize",
		Summary:     "Run the finalize sweep on a bounty",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body BountyResponse `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Finalize(ctx, input.ID, account); err != nil {
			return nil, handleError(err)
		}
		b, err := e.Repo.GetBounty(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BountyResponse `json:"body"`
		}{Body: bountyResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-bounty-paid",
		Method:      http.MethodPost,
		Path:        "/bounties/{id}/mark-paid",
		Summary:     "Mark a postpaid bounty as paid off-platform",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body BountyResponse `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.MarkBountyPaid(ctx, input.ID, account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BountyResponse `json:"body"`
		}{Body: bountyResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bounty-claims",
		Method:      http.MethodGet,
		Path:        "/bounties/{id}/claims",
		Summary:     "List claims on a bounty",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []ClaimResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetBounty(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListClaimsByBounty(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ClaimResponse `json:"body"`
		}{Body: mapClaims(items)}, nil
	})
}

func registerClaims(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-claim",
		Method:        http.MethodPost,
		Path:          "/bounties/{id}/claims",
		Summary:       "Submit claim",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body SubmitClaimRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SubmitClaim(ctx, engine.SubmitClaimParams{
			BountyID:        input.ID,
			Account:         account,
			Description:     stringOrEmpty(input.Body.Description),
			Slot:            input.Body.Slot,
			DeadlineSeconds: input.Body.DeadlineSeconds,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-account-claims",
		Method:      http.MethodGet,
		Path:        "/claims",
		Summary:     "List claims by account",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Account string `query:"account"`
	}) (*struct {
		Body []ClaimResponse `json:"body"`
	}, error) {
		account := input.Account
		if account == "" {
			// Default to the caller's own claims.
			var authErr huma.StatusError
			account, authErr = accountFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
		}
		items, err := e.Repo.ListClaimsByAccount(ctx, account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ClaimResponse `json:"body"`
		}{Body: mapClaims(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-claim",
		Method:      http.MethodGet,
		Path:        "/claims/{id}",
		Summary:     "Get claim",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetClaim(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(c)}, nil
	})

	type claimOp struct {
		id      string
		path    string
		summary string
		call    func(ctx context.Context, claimID int64, account string) (ClaimResponse, error)
	}
	ops := []claimOp{
		{
			id: "approve-claimant", path: "/claims/{id}/approve-claimant",
			summary: "Admit a claimant awaiting approval",
			call: func(ctx context.Context, claimID int64, account string) (ClaimResponse, error) {
				c, err := e.ApproveClaimant(ctx, claimID, account)
				return claimResponse(c), err
			},
		},
		{
			id: "reject-claimant", path: "/claims/{id}/reject-claimant",
			summary: "Turn away a claimant awaiting approval",
			call: func(ctx context.Context, claimID int64, account string) (ClaimResponse, error) {
				c, err := e.RejectClaimant(ctx, claimID, account)
				return claimResponse(c), err
			},
		},
		{
			id: "give-up-claim", path: "/claims/{id}/give-up",
			summary: "Walk away from a claim",
			call: func(ctx context.Context, claimID int64, account string) (ClaimResponse, error) {
				c, err := e.GiveUp(ctx, claimID, account)
				return claimResponse(c), err
			},
		},
		{
			id: "confirm-payment", path: "/claims/{id}/confirm-payment",
			summary: "Confirm off-platform payment receipt",
			call: func(ctx context.Context, claimID int64, account string) (ClaimResponse, error) {
				c, err := e.ConfirmPayment(ctx, claimID, account)
				return claimResponse(c), err
			},
		},
	}
	for _, op := range ops {
		op := op
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors: []int{
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
			},
		}, func(ctx context.Context, input *struct {
			ID int64 `path:"id"`
		}) (*struct {
			Body ClaimResponse `json:"body"`
		}, error) {
			account, authErr := accountFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			c, err := op.call(ctx, input.ID, account)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ClaimResponse `json:"body"`
			}{Body: c}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "mark-claim-done",
		Method:      http.MethodPost,
		Path:        "/claims/{id}/done",
		Summary:     "Report a claim's work as finished",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body MarkDoneRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.MarkDone(ctx, input.ID, stringOrEmpty(input.Body.Description), account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-claim",
		Method:      http.MethodPost,
		Path:        "/claims/{id}/decide",
		Summary:     "Accept or decline completed work",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body DecideClaimRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Decide(ctx, input.ID, input.Body.Approve, account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-approve-claims",
		Method:      http.MethodPost,
		Path:        "/bounties/{id}/claims/batch-approve",
		Summary:     "Accept several completed claims in one transaction",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id"`
		Body BatchApproveRequest `json:"body"`
	}) (*struct {
		Body []ClaimResponse `json:"body"`
	}, error) {
		if len(input.Body.ClaimIDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "claim_ids is required", nil)
		}
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.BatchApprove(ctx, input.ID, input.Body.ClaimIDs, account); err != nil {
			return nil, handleError(err)
		}
		res := make([]ClaimResponse, 0, len(input.Body.ClaimIDs))
		for _, id := range input.Body.ClaimIDs {
			c, err := e.Repo.GetClaim(ctx, id)
			if err != nil {
				return nil, handleError(err)
			}
			res = append(res, claimResponse(c))
		}
		return &struct {
			Body []ClaimResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "open-dispute",
		Method:      http.MethodPost,
		Path:        "/claims/{id}/dispute",
		Summary:     "Escalate a rejected claim to arbitration",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body OpenDisputeRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.OpenDispute(ctx, input.ID, stringOrEmpty(input.Body.Description), account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(c)}, nil
	})
}

func registerSettlement(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-bounty-actions",
		Method:      http.MethodGet,
		Path:        "/bounties/{id}/actions",
		Summary:     "List settlement actions for a bounty",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []ActionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetBounty(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListActionsByBounty(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ActionResponse, 0, len(items))
		for _, a := range items {
			res = append(res, actionResponse(a))
		}
		return &struct {
			Body []ActionResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-action",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/resolve",
		Summary:     "Settlement callback: report the outcome of an issued action",
		Description: "Called by the transfer, governance or arbitration bridge once an issued action succeeds or fails. Only the configured governance account may call it.",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64                `path:"id"`
		Body ResolveActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if account != e.Config.Platform.GovernanceAccount {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "only the governance account may resolve actions", nil)
		}
		if err := e.ResolveAction(ctx, input.ID, input.Body.OK, input.Body.ExternalID); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetAction(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})
}

func registerLedger(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ledger-entries",
		Method:      http.MethodGet,
		Path:        "/ledger",
		Summary:     "Commission ledger entries",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []LedgerEntryResponse `json:"body"`
	}, error) {
		items, err := e.Ledger.Entries(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]LedgerEntryResponse, 0, len(items))
		for _, entry := range items {
			res = append(res, ledgerEntryResponse(entry))
		}
		return &struct {
			Body []LedgerEntryResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ledger-entry",
		Method:      http.MethodGet,
		Path:        "/ledger/{token}",
		Summary:     "Commission ledger entry for a token",
		Description: "Returns the platform row by default; pass authority to read a delegated authority's row.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Token     string `path:"token"`
		Authority string `query:"authority"`
	}) (*struct {
		Body LedgerEntryResponse `json:"body"`
	}, error) {
		entry, err := e.Ledger.Entry(ctx, input.Token, input.Authority)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LedgerEntryResponse `json:"body"`
		}{Body: ledgerEntryResponse(entry)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bond-pool",
		Method:      http.MethodGet,
		Path:        "/ledger/bond-pool/{token}",
		Summary:     "Forfeited bond pool for a token",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*struct {
		Body BondPoolResponse `json:"body"`
	}, error) {
		p, err := e.Ledger.BondPool(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BondPoolResponse `json:"body"`
		}{Body: BondPoolResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-commission",
		Method:      http.MethodPost,
		Path:        "/ledger/withdraw",
		Summary:     "Stage a commission withdrawal",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body WithdrawRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Token == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "token is required", nil)
		}
		if input.Body.Amount <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "amount must be positive", nil)
		}
		err := e.WithdrawCommission(ctx, input.Body.Token, input.Body.Authority, input.Body.Amount, input.Body.Recipient, account)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "staged"}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		BountyID int64  `query:"bounty_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorID, err := parseCursorID(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, input.BountyID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		account, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target := input.Body.Account
		if target == "" {
			target = account
		}
		key, rec, err := engine.NewAPIKey(ctx, e.Repo, target, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(rec)
		// The plaintext key is only ever returned here.
		resp.Key = key
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		Account string `query:"account"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			res = append(res, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.Account == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			Account: principal.Account,
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		account := strings.TrimSpace(input.Body.Account)
		if account == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "account is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, account)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCursorID(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	return strconv.ParseInt(cursor, 10, 64)
}
