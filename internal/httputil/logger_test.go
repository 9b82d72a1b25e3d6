package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

func TestRequestLogger_LogsStatusAndPath(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	app := fiber.New()
	app.Use(RequestLogger(logger))
	app.Get("/widgets", func(c fiber.Ctx) error {
		return c.SendString("ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte(`"path":"/widgets"`)) {
		t.Errorf("log output missing path field: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte(`"status":200`)) {
		t.Errorf("log output missing status field: %s", out)
	}
}

func TestRequestLogger_ErrorStatusLogsAtWarnOrError(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	app := fiber.New()
	app.Use(RequestLogger(logger))
	app.Get("/missing", func(c fiber.Ctx) error {
		return c.Status(http.StatusNotFound).SendString("nope")
	})

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !bytes.Contains(buf.Bytes(), []byte(`"level":"warn"`)) {
		t.Errorf("expected warn level for 404, got: %s", buf.String())
	}
}
