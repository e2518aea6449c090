package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/logging"
	"github.com/core-tools/hsu-stack/pkg/processstate"
)

// Checker performs a single health check invocation. Implementations are
// purely observational: no side effects beyond the external check itself.
type Checker interface {
	Check(ctx context.Context) ProbeResult
}

// PIDFunc reports the current PID of the checked process, or 0 when the
// process is not running. Process-type checks need it because the PID
// changes across restarts.
type PIDFunc func() int

// NewChecker builds a checker from configuration. pidFn may be nil unless
// the check type is process.
func NewChecker(config HealthCheckConfig, id string, pidFn PIDFunc, logger logging.Logger) (Checker, error) {
	if err := ValidateHealthCheckConfig(config); err != nil {
		return nil, errors.NewValidationError("invalid health check configuration", err).WithContext("id", id)
	}

	switch config.Type {
	case HealthCheckTypeExec:
		return &execChecker{config: config.Exec, id: id, logger: logger}, nil
	case HealthCheckTypeHTTP:
		return &httpChecker{config: config.HTTP, id: id, logger: logger}, nil
	case HealthCheckTypeTCP:
		return &tcpChecker{config: config.TCP, id: id, logger: logger}, nil
	case HealthCheckTypeProcess:
		if pidFn == nil {
			return nil, errors.NewValidationError("process health check requires PID information", nil).WithContext("id", id)
		}
		return &processChecker{pidFn: pidFn, id: id, logger: logger}, nil
	default:
		return nil, errors.NewValidationError("unsupported health check type: "+string(config.Type), nil).WithContext("id", id)
	}
}

// CheckFunc adapts a plain function to the Checker interface.
type CheckFunc func(ctx context.Context) ProbeResult

func (f CheckFunc) Check(ctx context.Context) ProbeResult {
	return f(ctx)
}

type execChecker struct {
	config ExecHealthCheckConfig
	id     string
	logger logging.Logger
}

// Check runs the configured command; exit code 0 means healthy.
func (c *execChecker) Check(ctx context.Context) ProbeResult {
	c.logger.Debugf("Performing exec health check, id: %s, command: %s, args: %v",
		c.id, c.config.Command, c.config.Args)

	cmd := exec.CommandContext(ctx, c.config.Command, c.config.Args...)
	output, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return failure("exec health check timed out")
	}
	if err != nil {
		return failure(fmt.Sprintf("exec health check failed: %v, output: %s", err, string(output)))
	}
	return success(fmt.Sprintf("exec health check passed, output: %s", string(output)))
}

type httpChecker struct {
	config HTTPHealthCheckConfig
	id     string
	logger logging.Logger
	client *http.Client
}

// Check issues the configured HTTP request; 2xx status means healthy.
func (c *httpChecker) Check(ctx context.Context) ProbeResult {
	c.logger.Debugf("Performing HTTP health check, id: %s, url: %s", c.id, c.config.URL)

	method := c.config.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.URL, nil)
	if err != nil {
		return failure(fmt.Sprintf("failed to create HTTP request: %v", err))
	}
	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}

	client := c.client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return failure("HTTP health check timed out")
		}
		return failure(fmt.Sprintf("HTTP request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return success(fmt.Sprintf("HTTP health check passed: %s", resp.Status))
	}
	return failure(fmt.Sprintf("HTTP health check failed: %s", resp.Status))
}

type tcpChecker struct {
	config TCPHealthCheckConfig
	id     string
	logger logging.Logger
}

// Check dials the configured address; an established connection means healthy.
func (c *tcpChecker) Check(ctx context.Context) ProbeResult {
	address := fmt.Sprintf("%s:%d", c.config.Address, c.config.Port)

	c.logger.Debugf("Performing TCP health check, id: %s, address: %s", c.id, address)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return failure("TCP health check timed out")
		}
		return failure(fmt.Sprintf("TCP connection failed: %v", err))
	}
	defer conn.Close()

	return success(fmt.Sprintf("TCP connection successful to %s", address))
}

type processChecker struct {
	pidFn  PIDFunc
	id     string
	logger logging.Logger
}

// Check verifies the unit's process is still alive.
func (c *processChecker) Check(ctx context.Context) ProbeResult {
	pid := c.pidFn()
	if pid <= 0 {
		return failure("process not running")
	}

	running, err := processstate.IsProcessRunning(pid)
	if err != nil {
		return failure(fmt.Sprintf("process check failed for PID %d: %v", pid, err))
	}
	if !running {
		return failure(fmt.Sprintf("process not running: PID %d", pid))
	}
	return success(fmt.Sprintf("process is running: PID %d", pid))
}

func success(message string) ProbeResult {
	return ProbeResult{Healthy: true, Message: message, ObservedAt: time.Now()}
}

func failure(message string) ProbeResult {
	return ProbeResult{Healthy: false, Message: message, ObservedAt: time.Now()}
}
