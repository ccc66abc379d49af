// Package api is the API Facade: request validation, delegation to the
// Lifecycle Coordinator and Job Repository, and response shaping, following
// the example corpus's pvci service's pattern of a *Config-embedding API
// struct exposing gin.HandlerFunc methods.
package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ivoscc/kubernetes-task-runner/internal/batch"
	"github.com/ivoscc/kubernetes-task-runner/internal/cluster"
)

// Repository is the subset of repository.Repository the API Facade reads
// and writes directly.
type Repository interface {
	Insert(ctx context.Context, job *batch.Job) error
	Get(ctx context.Context, id string) (*batch.Job, error)
	List(ctx context.Context, statuses ...batch.Status) ([]*batch.Job, error)
}

// Canceller is the subset of the Lifecycle Coordinator the DELETE endpoint
// invokes synchronously.
type Canceller interface {
	Cancel(ctx context.Context, id string) error
}

// Dispatcher hands a freshly-inserted record's id off for provisioning.
type Dispatcher interface {
	Submit(ctx context.Context, id string) error
}

// Config configures the API Facade.
type Config struct {
	Repository Repository
	Coordinator Canceller
	Dispatcher  Dispatcher
	Log         *zap.Logger
}

// API is the API Facade.
type API struct {
	*Config
}

// New builds an API Facade.
func New(cfg *Config) *API {
	return &API{Config: cfg}
}

// Register wires every route onto engine.
func (a *API) Register(engine *gin.Engine) {
	group := engine.Group("/batch")
	group.GET("/", a.ListHandler())
	group.GET("/:id", a.GetHandler())
	group.POST("/", a.CreateHandler())
	group.DELETE("/:id", a.CancelHandler())
}

// envelope is the {data, error, msg, result} response shape every endpoint returns.
type envelope struct {
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
	Msg    string      `json:"msg,omitempty"`
	Result string      `json:"result"`
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{Data: data, Result: "ok"})
}

func fail(c *gin.Context, status int, errKind, msg string) {
	c.AbortWithStatusJSON(status, envelope{Error: errKind, Msg: msg, Result: "error"})
}

// ListHandler handles GET /batch/?status=<s>. Default status is "running".
func (a *API) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		statusParam := c.DefaultQuery("status", string(batch.StatusRunning))
		jobs, err := a.Repository.List(c.Request.Context(), batch.Status(statusParam))
		if err != nil {
			a.Log.Error("list_handler: repository list failed", zap.Error(err))
			fail(c, http.StatusInternalServerError, "InternalError", err.Error())
			return
		}
		ok(c, http.StatusOK, jobs)
	}
}

// GetHandler handles GET /batch/:id.
func (a *API) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := a.Repository.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, http.StatusNotFound, "NotFound", "no batch job with that id")
			return
		}
		ok(c, http.StatusOK, job)
	}
}

// createRequest is the POST /batch/ request body.
type createRequest struct {
	AccountID     string `json:"account_id"`
	Name          string `json:"name"`
	JobParameters struct {
		DockerImage          string            `json:"docker_image"`
		EnvironmentVariables map[string]string `json:"environment_variables"`
		Resources            batch.Resources   `json:"resources"`
		InputZip             string            `json:"input_zip"`
	} `json:"job_parameters"`
}

// CreateHandler handles POST /batch/.
func (a *API) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "InvalidParameters", "malformed request body")
			return
		}

		fields := validate(req)
		if len(fields) > 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, envelope{
				Error:  "InvalidParameters",
				Data:   fields,
				Result: "error",
			})
			return
		}

		now := time.Now().UnixMilli()
		name := strings.TrimSpace(req.Name)
		if name == "" {
			name = batch.NewName(req.JobParameters.DockerImage, now)
		}

		var inputZip []byte
		if req.JobParameters.InputZip != "" {
			decoded, err := base64.StdEncoding.DecodeString(req.JobParameters.InputZip)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, envelope{
					Error:  "InvalidParameters",
					Data:   batch.FieldErrors{"job_parameters.input_zip": "must be valid base64"},
					Result: "error",
				})
				return
			}
			inputZip = decoded
		}

		job := &batch.Job{
			ID:        batch.NewID(),
			Name:      name,
			AccountID: req.AccountID,
			Parameters: batch.Parameters{
				DockerImage:          req.JobParameters.DockerImage,
				EnvironmentVariables: req.JobParameters.EnvironmentVariables,
				Resources:            req.JobParameters.Resources,
				InputZip:             inputZip,
			},
			HasInputFile: len(inputZip) > 0,
			Status:       batch.StatusCreated,
			Created:      now,
		}

		if err := a.Repository.Insert(c.Request.Context(), job); err != nil {
			fail(c, http.StatusBadRequest, "InvalidParameters", err.Error())
			return
		}

		if err := a.Dispatcher.Submit(c.Request.Context(), job.ID); err != nil {
			a.Log.Error("create_handler: dispatch failed", zap.String("id", job.ID), zap.Error(err))
		}

		ok(c, http.StatusOK, job)
	}
}

func validate(req createRequest) batch.FieldErrors {
	fields := batch.FieldErrors{}
	if strings.TrimSpace(req.AccountID) == "" {
		fields["account_id"] = "Field is required"
	}
	if strings.TrimSpace(req.JobParameters.DockerImage) == "" {
		fields["docker_image"] = "Field is required"
	}
	if name := strings.TrimSpace(req.Name); name != "" && !cluster.ValidDNS1123Label(name) {
		fields["name"] = "must be a valid DNS-1123 label"
	}
	return fields
}

// CancelHandler handles DELETE /batch/:id.
func (a *API) CancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		err := a.Coordinator.Cancel(c.Request.Context(), id)
		if err == nil {
			ok(c, http.StatusOK, nil)
			return
		}

		var invalid *batch.InvalidParametersError
		if errors.As(err, &invalid) {
			c.AbortWithStatusJSON(http.StatusBadRequest, envelope{
				Error:  "InvalidParameters",
				Data:   invalid.Fields,
				Result: "error",
			})
			return
		}

		a.Log.Error("cancel_handler: cancel failed", zap.String("id", id), zap.Error(err))
		fail(c, http.StatusInternalServerError, "ClusterError", err.Error())
	}
}
