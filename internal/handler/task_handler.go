package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/taskdesk/internal/auth"
	"github.com/hitoshi/taskdesk/internal/middleware"
	"github.com/hitoshi/taskdesk/internal/model"
	"github.com/hitoshi/taskdesk/internal/user"
	"github.com/hitoshi/taskdesk/internal/view"
)

// TaskServiceInterface はタスクハンドラーが必要とするタスクAPIのインターフェース。
type TaskServiceInterface interface {
	List(ctx context.Context, accessToken string) ([]model.Task, error)
	Create(ctx context.Context, accessToken string, input model.TaskInput) (*model.Task, error)
	Update(ctx context.Context, accessToken, id string, input model.TaskInput) (*model.Task, error)
	Delete(ctx context.Context, accessToken, id string) error
}

// ProfileServiceInterface は挨拶に表示するローカルプロフィールを取得するインターフェース。
type ProfileServiceInterface interface {
	Profile(ctx context.Context, accessToken string) (*model.LocalUser, error)
}

// TaskHandler はタスク一覧と操作のHTTPハンドラー。
// 変更操作はすべてPOSTで受け付け、結果を通知に積んで一覧へリダイレクトする（PRG）。
type TaskHandler struct {
	tasks    TaskServiceInterface
	profiles ProfileServiceInterface
	renderer PageRenderer
	notifier Notifier
}

// NewTaskHandler はTaskHandlerを生成する。
func NewTaskHandler(tasks TaskServiceInterface, profiles ProfileServiceInterface, renderer PageRenderer, notifier Notifier) *TaskHandler {
	return &TaskHandler{
		tasks:    tasks,
		profiles: profiles,
		renderer: renderer,
		notifier: notifier,
	}
}

// List はタスク一覧を表示する。
// GET /tasks
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	token, ok := accessToken(w, r)
	if !ok {
		return
	}

	data := view.TasksData{
		Page:   newPage(w, r, h.notifier, "Tasks"),
		EditID: r.URL.Query().Get("edit"),
	}

	// 1. 挨拶用のプロフィール（失敗してもGuestとして一覧は表示する）
	local, err := h.profiles.Profile(r.Context(), token)
	if err != nil {
		slog.Warn("failed to load profile", slog.String("error", err.Error()))
		data.Notifications = append(data.Notifications, *notificationFromError("Failed to Load User Data", err))
	}
	data.Username = user.DisplayName(local)

	// 2. タスク一覧
	tasks, err := h.tasks.List(r.Context(), token)
	if err != nil {
		slog.Error("failed to list tasks", slog.String("error", err.Error()))
		data.Notifications = append(data.Notifications, *notificationFromError("Failed to Load Tasks", err))
	}
	data.Tasks = tasks

	h.renderer.Render(w, http.StatusOK, view.PageTasks, data)
}

// Create はタスクを作成する。
// POST /tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	token, ok := accessToken(w, r)
	if !ok {
		return
	}

	title, ok := h.requireTitle(w, r, "Create Error")
	if !ok {
		return
	}
	completed := false

	if _, err := h.tasks.Create(r.Context(), token, model.TaskInput{Title: &title, Completed: &completed}); err != nil {
		h.fail(w, r, "create", "Create Error", err)
		return
	}

	h.succeed(w, r, "Task Created", "The new task was added.")
}

// Update はタスクのタイトルを変更する。
// POST /tasks/{id}/update
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	token, ok := accessToken(w, r)
	if !ok {
		return
	}

	title, ok := h.requireTitle(w, r, "Update Error")
	if !ok {
		return
	}

	if _, err := h.tasks.Update(r.Context(), token, chi.URLParam(r, "id"), model.TaskInput{Title: &title}); err != nil {
		h.fail(w, r, "update", "Update Error", err)
		return
	}

	h.succeed(w, r, "Task Updated", "The task was updated.")
}

// Toggle はタスクの完了状態を切り替える。フォームは切り替え後の値を送る。
// POST /tasks/{id}/toggle
func (h *TaskHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	token, ok := accessToken(w, r)
	if !ok {
		return
	}

	completed, err := strconv.ParseBool(r.PostFormValue("completed"))
	if err != nil {
		h.notifier.Add(w, r, &model.Notification{
			Level:   model.NotificationError,
			Title:   "Update Error",
			Message: "Invalid completion state.",
		})
		http.Redirect(w, r, auth.AuthenticatedPath, http.StatusSeeOther)
		return
	}

	if _, err := h.tasks.Update(r.Context(), token, chi.URLParam(r, "id"), model.TaskInput{Completed: &completed}); err != nil {
		h.fail(w, r, "toggle", "Update Error", err)
		return
	}

	h.succeed(w, r, "Task Updated", "The task was updated.")
}

// Delete はタスクを削除する。
// POST /tasks/{id}/delete
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	token, ok := accessToken(w, r)
	if !ok {
		return
	}

	if err := h.tasks.Delete(r.Context(), token, chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, "delete", "Delete Error", err)
		return
	}

	h.succeed(w, r, "Task Deleted", "The task was removed from the list.")
}

// requireTitle はフォームのタイトルを返す。空の場合は通知を積んで一覧へリダイレクトする。
func (h *TaskHandler) requireTitle(w http.ResponseWriter, r *http.Request, title string) (string, bool) {
	value := strings.TrimSpace(r.PostFormValue("title"))
	if value == "" {
		h.notifier.Add(w, r, model.NewErrorNotification(title, model.NewTitleRequiredError()))
		http.Redirect(w, r, auth.AuthenticatedPath, http.StatusSeeOther)
		return "", false
	}
	return value, true
}

func (h *TaskHandler) succeed(w http.ResponseWriter, r *http.Request, title, message string) {
	h.notifier.Add(w, r, &model.Notification{
		Level:   model.NotificationSuccess,
		Title:   title,
		Message: message,
	})
	http.Redirect(w, r, auth.AuthenticatedPath, http.StatusSeeOther)
}

func (h *TaskHandler) fail(w http.ResponseWriter, r *http.Request, operation, title string, err error) {
	slog.Warn("task operation failed",
		slog.String("operation", operation),
		slog.String("task_id", chi.URLParam(r, "id")),
		slog.String("error", err.Error()),
	)
	h.notifier.Add(w, r, notificationFromError(title, err))
	http.Redirect(w, r, auth.AuthenticatedPath, http.StatusSeeOther)
}

// accessToken はルートガードを通過したリクエストのアクセストークンを返す。
func accessToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	res, ok := auth.ResolutionFromContext(r.Context())
	if !ok || !res.Authenticated() || res.Session == nil {
		slog.Error("task handler reached without an authenticated session", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return "", false
	}
	return res.Session.AccessToken, true
}
