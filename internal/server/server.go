package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"podline/internal/config"
	"podline/internal/domain"
	"podline/internal/hub"
	"podline/internal/producer"
	"podline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	Hub      *hub.Hub
	Producer producer.Producer
	Realtime *config.Config
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"notification not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type server struct {
	repo      repo.Repo
	hub       *hub.Hub
	producer  producer.Producer
	heartbeat time.Duration
	catalog   map[string]struct{}
}

// New returns an HTTP handler exposing the Podline API: the notification
// CRUD surface via huma plus the raw stream/socket endpoints.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("server requires a hub")
	}
	heartbeat := 20 * time.Second
	if cfg.Realtime != nil && cfg.Realtime.Realtime.HeartbeatSeconds > 0 {
		heartbeat = time.Duration(cfg.Realtime.Realtime.HeartbeatSeconds) * time.Second
	}
	catalog := map[string]struct{}{}
	if cfg.Realtime != nil {
		for kind := range cfg.Realtime.Notifications.Catalog {
			catalog[kind] = struct{}{}
		}
	}
	s := &server{
		repo:      cfg.Repo,
		hub:       cfg.Hub,
		producer:  cfg.Producer,
		heartbeat: heartbeat,
		catalog:   catalog,
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Podline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	s.registerNotifications(group)
	s.registerTasks(group)
	s.registerTeams(group)
	registerOpenAPI(router, api, basePath)

	// Long-lived connections stay raw chi handlers; huma's typed
	// request/response model does not fit a stream that never ends.
	router.Get(path.Join(basePath, "notifications/stream"), s.handleStream)
	router.Get(path.Join(basePath, "socket"), s.handleSocket)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Status: "ok"}}, nil
	})
}

func (s *server) registerNotifications(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List notifications",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body NotificationListResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, unread, err := s.repo.ListNotifications(ctx, userID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NotificationListResponse `json:"body"`
		}{Body: NotificationListResponse{Notifications: items, Count: unread}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-notification",
		Method:        http.MethodPost,
		Path:          "/notifications",
		Summary:       "Create a notification",
		Description:   "Producer surface for subsystems without their own emit path (mentions, due-date reminders). The type must be declared in the workspace catalog.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateNotificationRequest `json:"body"`
	}) (*struct {
		Body domain.Notification `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.UserID == "" || input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id and title are required", nil)
		}
		if _, ok := s.catalog[input.Body.Type]; !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown notification type", map[string]any{"type": input.Body.Type})
		}
		n, err := s.producer.Notify(ctx, domain.Notification{
			UserID:  input.Body.UserID,
			Type:    input.Body.Type,
			Title:   input.Body.Title,
			Message: input.Body.Message,
			TaskID:  input.Body.TaskID,
			TeamID:  input.Body.TeamID,
			Data:    input.Body.Data,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Notification `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-notifications-read",
		Method:      http.MethodPost,
		Path:        "/notifications/mark-read",
		Summary:     "Mark one or all notifications read",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body MarkReadRequest `json:"body"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		switch {
		case input.Body.MarkAll:
			if err := s.repo.MarkAllNotificationsRead(ctx, userID); err != nil {
				return nil, handleError(err)
			}
		case input.Body.NotificationID != "":
			if err := s.repo.MarkNotificationRead(ctx, userID, input.Body.NotificationID); err != nil {
				return nil, handleError(err)
			}
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "notification_id or mark_all is required", nil)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Status: "ok"}}, nil
	})
}

func (s *server) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.TeamID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "team_id is required", nil)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		t := domain.Task{
			ID:         uuid.NewString(),
			TeamID:     input.Body.TeamID,
			Title:      input.Body.Title,
			Status:     "todo",
			AssigneeID: input.Body.AssigneeID,
			DueAt:      input.Body.DueAt,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if input.Body.ID != nil && *input.Body.ID != "" {
			t.ID = *input.Body.ID
		}
		if input.Body.Status != nil && *input.Body.Status != "" {
			t.Status = *input.Body.Status
		}
		if err := s.repo.EnsureTeam(ctx, t.TeamID, ""); err != nil {
			return nil, handleError(err)
		}
		if err := s.repo.InsertTask(ctx, t); err != nil {
			return nil, handleError(err)
		}
		s.producer.TaskCreated(ctx, t)
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TeamID string `query:"team_id"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := s.repo.ListTasks(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Task{}
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		prev, err := s.repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		title, status := "", ""
		if input.Body.Title != nil {
			title = *input.Body.Title
		}
		if input.Body.Status != nil {
			status = *input.Body.Status
		}
		if err := s.repo.UpdateTask(ctx, input.ID, title, status, input.Body.AssigneeID, input.Body.DueAt); err != nil {
			return nil, handleError(err)
		}
		t, err := s.repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		s.producer.TaskChanged(ctx, prev, t)
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := s.repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := s.repo.DeleteTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		s.producer.TaskDeleted(t)
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "broadcast-task-update",
		Method:      http.MethodPost,
		Path:        "/tasks/broadcast",
		Summary:     "Broadcast a task update to its team",
		Description: "Write path for the push-stream transport: the server fans the update out to every session subscribed to the team.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body BroadcastRequest `json:"body"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.TeamID == "" || input.Body.TaskID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "team_id and task_id are required", nil)
		}
		switch input.Body.Type {
		case domain.TaskUpdateCreated, domain.TaskUpdateUpdated, domain.TaskUpdateDeleted:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type must be created, updated, or deleted", nil)
		}
		member, err := s.repo.IsTeamMember(ctx, input.Body.TeamID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if !member {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "not a member of this team", map[string]any{"team_id": input.Body.TeamID})
		}
		s.producer.EmitTaskUpdate(domain.TaskUpdate{
			Type:   input.Body.Type,
			TaskID: input.Body.TaskID,
			TeamID: input.Body.TeamID,
			Data:   input.Body.Data,
		})
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Status: "ok"}}, nil
	})
}

func (s *server) registerTeams(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-team",
		Method:        http.MethodPost,
		Path:          "/teams",
		Summary:       "Create team",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTeamRequest `json:"body"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if err := s.repo.EnsureTeam(ctx, input.Body.ID, input.Body.Name); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Status: "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-team-member",
		Method:        http.MethodPost,
		Path:          "/teams/{id}/members",
		Summary:       "Add a member to a team",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AddTeamMemberRequest `json:"body"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if err := s.repo.EnsureTeam(ctx, input.ID, ""); err != nil {
			return nil, handleError(err)
		}
		if err := s.producer.TeamMemberAdded(ctx, input.ID, input.Body.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Status: "ok"}}, nil
	})
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Podline API Docs</title>
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
  </body>
</html>`, specURL)
}
