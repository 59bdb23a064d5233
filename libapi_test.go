package flowrunner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

type order struct {
	ID    string `json:"id"`
	Items int    `json:"items"`
}

func TestPipelineExportsPropagateErrors(t *testing.T) {
	if _, err := JSONPipeline[*order, *order](nil, nil); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}

	if _, err := ProtoPipeline[*structpb.Struct](&structpb.Struct{}, nil, nil); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
}

func TestJSONPipelineExport(t *testing.T) {
	pipeline, err := JSONPipeline[*order, *order](func(_ context.Context, in JSONContext[*order]) (*order, error) {
		return &order{ID: in.Payload.ID, Items: in.Payload.Items * 2}, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := pipeline.Process(context.Background(), "cid-1", &RawMessage{ID: "m-1", Payload: []byte(`{"id":"o-1","items":2}`)})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	var out order
	if err := Unmarshal(res.Payload, &out); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
	if out.ID != "o-1" || out.Items != 4 {
		t.Fatalf("unexpected reply %#v", out)
	}
}

func TestStatusRecordingManagerExport(t *testing.T) {
	dir := t.TempDir()
	statusFile := filepath.Join(dir, "status.txt")
	tm, err := NewStatusRecordingManager(StatusRecordingConfig{
		StatusFile: statusFile,
		UIDFile:    filepath.Join(dir, "uid.txt"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := tm.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if st, _, _ := ReadStatusFile(statusFile); st != StatusActive {
		t.Fatalf("expected %s after start, got %q", StatusActive, st)
	}
	if err := tm.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if st, _, _ := ReadStatusFile(statusFile); st != StatusCompleted {
		t.Fatalf("expected %s after destroy, got %q", StatusCompleted, st)
	}
}

func TestRunStateExports(t *testing.T) {
	if Stopped.String() != "STOPPED" || ExceptionStopping.String() != "EXCEPTION_STOPPING" {
		t.Fatalf("unexpected state names %s %s", Stopped, ExceptionStopping)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	if md["key"] != "value" {
		t.Fatalf("expected metadata to contain key, got %#v", md)
	}
}

func TestWithDelay(t *testing.T) {
	md := WithDelay(30 * time.Second)
	if md[MetadataKeyDelay] != "30s" {
		t.Fatalf("expected delay metadata 30s, got %#v", md)
	}
}
