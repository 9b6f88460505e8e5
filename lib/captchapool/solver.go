// Package captchapool keeps a warm pool of pre-solved challenge tokens so
// the synchronous request path rarely pays full solve latency. Solve
// round-trips against the third-party service take anywhere from 10 to 120
// seconds.
package captchapool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"motortrade-backend/lib/telemetry"

	"github.com/go-resty/resty/v2"
)

var (
	ErrSolverFailure = errors.New("captcha solver failure")
	ErrSolverTimeout = errors.New("captcha solve timed out")
)

const TaskTypeRecaptchaV2 = "ReCaptchaV2TaskProxyLess"

type SolverConfig struct {
	BaseURL      string        `json:"base_url"`
	ClientKey    string        `json:"client_key"`
	PollInterval time.Duration `json:"poll_interval"`
	SolveTimeout time.Duration `json:"solve_timeout"`
}

// Solver talks to a CapSolver-style solving service: submit a task, then
// poll until the solution is ready.
type Solver struct {
	http         *resty.Client
	clientKey    string
	pollInterval time.Duration
	solveTimeout time.Duration
}

func NewSolver(cfg SolverConfig) *Solver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.capsolver.com"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.SolveTimeout <= 0 {
		cfg.SolveTimeout = 2 * time.Minute
	}

	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetTimeout(30 * time.Second)
	telemetry.InstrumentResty(client, "captchapool/solver")

	return &Solver{
		http:         client,
		clientKey:    cfg.ClientKey,
		pollInterval: cfg.PollInterval,
		solveTimeout: cfg.SolveTimeout,
	}
}

// Task describes one challenge to solve.
type Task struct {
	Type       string
	WebsiteURL string
	WebsiteKey string
}

type createTaskResponse struct {
	ErrorId          int    `json:"errorId"`
	ErrorDescription string `json:"errorDescription"`
	TaskId           string `json:"taskId"`
}

type taskResultResponse struct {
	ErrorId          int    `json:"errorId"`
	ErrorDescription string `json:"errorDescription"`
	Status           string `json:"status"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
	} `json:"solution"`
}

func (s *Solver) CreateTask(ctx context.Context, task Task) (string, error) {
	taskType := task.Type
	if taskType == "" {
		taskType = TaskTypeRecaptchaV2
	}

	var out createTaskResponse
	res, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"clientKey": s.clientKey,
			"task": map[string]any{
				"type":       taskType,
				"websiteURL": task.WebsiteURL,
				"websiteKey": task.WebsiteKey,
			},
		}).
		SetResult(&out).
		Post("/createTask")
	if err != nil {
		return "", fmt.Errorf("%w: create task: %s", ErrSolverFailure, err)
	}
	if res.StatusCode() != 200 {
		return "", fmt.Errorf("%w: create task: HTTP %d", ErrSolverFailure, res.StatusCode())
	}
	if out.ErrorId != 0 {
		return "", fmt.Errorf("%w: create task: %s", ErrSolverFailure, out.ErrorDescription)
	}
	if out.TaskId == "" {
		return "", fmt.Errorf("%w: no task id received", ErrSolverFailure)
	}
	return out.TaskId, nil
}

type TaskStatus string

const (
	StatusProcessing TaskStatus = "processing"
	StatusReady      TaskStatus = "ready"
	StatusFailed     TaskStatus = "failed"
)

type TaskResult struct {
	Status TaskStatus
	Token  string
}

func (s *Solver) TaskResult(ctx context.Context, taskId string) (TaskResult, error) {
	var out taskResultResponse
	res, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"clientKey": s.clientKey,
			"taskId":    taskId,
		}).
		SetResult(&out).
		Post("/getTaskResult")
	if err != nil {
		return TaskResult{}, fmt.Errorf("%w: poll: %s", ErrSolverFailure, err)
	}
	if res.StatusCode() != 200 {
		return TaskResult{}, fmt.Errorf("%w: poll: HTTP %d", ErrSolverFailure, res.StatusCode())
	}
	if out.ErrorId != 0 {
		return TaskResult{Status: StatusFailed}, fmt.Errorf("%w: %s", ErrSolverFailure, out.ErrorDescription)
	}
	if out.Status == "ready" {
		return TaskResult{Status: StatusReady, Token: out.Solution.GRecaptchaResponse}, nil
	}
	return TaskResult{Status: StatusProcessing}, nil
}

// Solve submits a task and polls until the solution is ready or the solve
// timeout elapses.
func (s *Solver) Solve(ctx context.Context, task Task) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.solveTimeout)
	defer cancel()

	taskId, err := s.CreateTask(ctx, task)
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: task %s", ErrSolverTimeout, taskId)
		case <-ticker.C:
			result, err := s.TaskResult(ctx, taskId)
			if err != nil {
				return "", err
			}
			if result.Status == StatusReady {
				return result.Token, nil
			}
		}
	}
}

type balanceResponse struct {
	ErrorId          int     `json:"errorId"`
	ErrorDescription string  `json:"errorDescription"`
	Balance          float64 `json:"balance"`
}

func (s *Solver) Balance(ctx context.Context) (float64, error) {
	var out balanceResponse
	res, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"clientKey": s.clientKey}).
		SetResult(&out).
		Post("/getBalance")
	if err != nil {
		return 0, fmt.Errorf("%w: balance: %s", ErrSolverFailure, err)
	}
	if res.StatusCode() != 200 || out.ErrorId != 0 {
		return 0, fmt.Errorf("%w: balance: HTTP %d %s", ErrSolverFailure, res.StatusCode(), out.ErrorDescription)
	}
	return out.Balance, nil
}
