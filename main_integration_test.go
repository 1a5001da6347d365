package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/snellie/receipt-gateway/internal/handlers"
	"github.com/snellie/receipt-gateway/internal/receipt"
	"github.com/snellie/receipt-gateway/internal/usecase"
)

// blockingPredictor holds every prediction until released.
type blockingPredictor struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingPredictor) Predict(ctx context.Context, source receipt.Source, image []byte, filename string) (*receipt.Prediction, error) {
	select {
	case <-b.started:
	default:
		close(b.started)
	}
	<-b.release
	return &receipt.Prediction{
		ImageID:     filename,
		LineItems:   []receipt.LineItem{{"description": "Tea"}},
		TotalAmount: json.Number("2.10"),
	}, nil
}

func TestServerGracefulShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	predictor := &blockingPredictor{started: make(chan struct{}), release: make(chan struct{})}
	defer func() {
		select {
		case <-predictor.release:
		default:
			close(predictor.release)
		}
	}()

	engine := handlers.NewEngine(logger, handlers.CORSConfig{})
	handlers.RegisterRoutes(engine, usecase.NewPredictionUseCase(predictor, logger), handlers.Options{AppName: "test"})

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: engine}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, server, listener, 2*time.Second, logger)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	body, contentType := receiptUpload(t)
	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		t.Log("sending request")
		resp, err := client.Post("http://"+addr+"/predict-items", contentType, body)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-predictor.started:
		t.Log("prediction started")
	case <-time.After(2 * time.Second):
		t.Fatal("prediction did not start in time")
	}

	t.Log("stopping server")
	stop()

	time.Sleep(50 * time.Millisecond)
	close(predictor.release)
	t.Log("released prediction")

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		payload, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(payload))
		}
		if !bytes.Contains(payload, []byte(`"total_amount":2.10`)) {
			t.Fatalf("unexpected body: %s", string(payload))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func receiptUpload(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="tea.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create part: %v", err)
	}
	if _, err := part.Write([]byte("jpeg")); err != nil {
		t.Fatalf("failed to write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
