package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/zymantas-katinas/commit-digest/internal/middleware"
	"github.com/zymantas-katinas/commit-digest/internal/models"
	"github.com/zymantas-katinas/commit-digest/internal/services"
	"github.com/zymantas-katinas/commit-digest/internal/store"
	"github.com/zymantas-katinas/commit-digest/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
	utils.SetJWTSecret("handlers-test-secret")
}

func newTestStore(t *testing.T) (*gorm.DB, *store.GormStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db, store.New(db)
}

type seeded struct {
	user   models.User
	repo   models.Repository
	config models.ReportConfig
}

func seedConfig(t *testing.T, db *gorm.DB, email, webhookURL string) seeded {
	t.Helper()
	s := seeded{user: models.User{Email: email, Timezone: "UTC"}}
	if err := db.Create(&s.user).Error; err != nil {
		t.Fatal(err)
	}
	s.repo = models.Repository{
		UserID:        s.user.ID,
		Name:          "acme/api",
		URL:           "https://github.com/acme/api",
		Provider:      models.ProviderGitHub,
		DefaultBranch: "main",
	}
	if err := db.Create(&s.repo).Error; err != nil {
		t.Fatal(err)
	}
	s.config = models.ReportConfig{
		UserID:       s.user.ID,
		RepositoryID: s.repo.ID,
		Name:         "team digest",
		Schedule:     "0 9 * * *",
		WebhookURL:   webhookURL,
		Enabled:      true,
	}
	if err := db.Create(&s.config).Error; err != nil {
		t.Fatal(err)
	}
	return s
}

// apiRouter mounts routes behind the real auth middleware.
func apiRouter(register func(api *gin.RouterGroup)) *gin.Engine {
	router := gin.New()
	api := router.Group("/api")
	api.Use(middleware.AuthRequired())
	register(api)
	return router
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, userID uint, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		token, err := utils.GenerateToken(userID, "dev@example.com", 1)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope %q: %v", w.Body.String(), err)
	}
	if data != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return env
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []*services.RunTask
	err   error
	async bool
}

func (q *recordingQueue) Enqueue(_ context.Context, task *services.RunTask) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) IsAsync() bool { return q.async }
func (q *recordingQueue) Close() error  { return nil }
