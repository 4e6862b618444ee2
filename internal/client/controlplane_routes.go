package client

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/hqsync/hqsync/internal/sync"
	"github.com/hqsync/hqsync/internal/version"
)

func setupRoutes(client *Client, authToken string) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	rateLimiter := limiter.New(memory.NewStore(), limiter.Rate{
		Period: 1 * time.Second,
		Limit:  10,
	})

	r.Use(gin.Recovery())
	r.Use(sloggin.New(slog.Default()))
	r.Use(mgin.NewMiddleware(rateLimiter))

	r.GET("/", indexHandler)

	v1 := r.Group("/v1")
	v1.Use(tokenAuth(authToken))
	{
		v1.GET("/status", statusHandler(client))
		v1.GET("/errors", errorsHandler(client))
		v1.DELETE("/errors", clearErrorsHandler(client))
		v1.POST("/sync/trigger", triggerSyncHandler(client))
		v1.GET("/conflicts", conflictsHandler(client))
	}

	return r
}

// tokenAuth rejects requests lacking the configured bearer token. An empty
// token disables auth; the server binds to localhost anyway.
func tokenAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" && c.GetHeader("Authorization") != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func indexHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "hqsync",
		"version": version.Version,
	})
}

func statusHandler(client *Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, client.Status())
	}
}

func errorsHandler(client *Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshot := client.Status()
		c.JSON(http.StatusOK, gin.H{
			"errors": snapshot.RecentErrors,
			"count":  len(snapshot.RecentErrors),
		})
	}
}

func clearErrorsHandler(client *Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		cleared := client.StatusAgg().ClearErrors()
		c.JSON(http.StatusOK, gin.H{"cleared": cleared})
	}
}

func triggerSyncHandler(client *Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		force := c.Query("force") == "true"

		if state := client.Daemon().State(); state != sync.DaemonRunning {
			c.JSON(http.StatusConflict, gin.H{"error": "daemon not running", "state": state})
			return
		}
		if err := client.TriggerSync(force); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"triggered": true})
	}
}

func conflictsHandler(client *Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		offset, _ := strconv.Atoi(c.Query("offset"))
		limit, _ := strconv.Atoi(c.Query("limit"))

		result := client.Conflicts().List(sync.ConflictQuery{
			Status:     sync.ConflictStatus(c.Query("status")),
			PathPrefix: c.Query("prefix"),
			SortBy:     sync.ConflictSortField(c.Query("sort")),
			Descending: c.Query("order") == "desc",
			Offset:     offset,
			Limit:      limit,
		})
		c.JSON(http.StatusOK, result)
	}
}
