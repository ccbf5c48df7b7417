package service

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"labmesh/internal/codec"
	"labmesh/internal/proto"
	"labmesh/internal/sessiontask"
)

func TestFileDownloadConsumerSendsHeaderAndSinksBytes(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	consumer := NewFileDownloadConsumer("blob-1", "out.bin", 5, dest)
	conn := newFakeConn("consumer", "provider")
	if err := consumer.Start(conn); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected exactly the request header sent, got %d frames", len(conn.sent))
	}
	var hdr proto.ServiceHeader
	if err := codec.Decode(conn.sent[0][codec.LengthPrefixSize:], &hdr); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if hdr.ServiceName != proto.ServiceFileDownload {
		t.Fatalf("expected FileDownloadService header, got %s", hdr.ServiceName)
	}

	if err := consumer.Consume(conn, []byte("hel")); err != nil {
		t.Fatalf("consume partial: %v", err)
	}
	if consumer.State() != Running {
		t.Fatalf("expected still running before full file arrives")
	}
	if err := consumer.Consume(conn, []byte("lo")); err != nil {
		t.Fatalf("consume rest: %v", err)
	}
	if consumer.State() != Finished {
		t.Fatalf("expected finished once fileSize bytes arrived, got %v", consumer.State())
	}
	if !conn.stopped {
		t.Fatalf("expected connection stopped on completion")
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected dest file to contain %q, got %q", "hello", got)
	}
}

func TestFileDownloadProviderStreamsResolvedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "movie.bin")
	if err := os.WriteFile(path, []byte("payload-bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	taskSink := sessiontask.NewMemoryTaskSink()
	factory := NewFileDownloadProviderFactory(func(fileID string) (string, bool) {
		if fileID != "blob-1" {
			return "", false
		}
		return path, true
	}, taskSink)

	svc, err := factory(mustJSON(t, proto.FileDownloadParam{FileID: "blob-1", FileName: "movie.bin"}))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	conn := newFakeConn("provider", "consumer")
	if err := svc.Start(conn); err != nil {
		t.Fatalf("start: %v", err)
	}
	if svc.State() != Finished {
		t.Fatalf("expected provider to finish in one synchronous drive pass, got %v", svc.State())
	}
	// The provider sends no header of its own, so every sent slice is file data.
	if got := string(bytes.Join(conn.sent, nil)); got != "payload-bytes" {
		t.Fatalf("expected streamed bytes %q, got %q", "payload-bytes", got)
	}
	// Last sent frame is the zero-length EOF marker.
	if len(conn.sent[len(conn.sent)-1]) != 0 {
		t.Fatalf("expected trailing zero-length EOF frame")
	}
	task, ok := taskSink.Snapshot("blob-1")
	if !ok {
		t.Fatalf("expected task registered")
	}
	if task.State != sessiontask.TaskFinished {
		t.Fatalf("expected task finished, got %v", task.State)
	}
}

func TestFileDownloadProviderPauseRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "movie.bin")
	// Large enough that the pause, applied before Start, prevents even the
	// first chunk from streaming: the drive loop checks isExecuting up front.
	if err := os.WriteFile(path, make([]byte, fileChunkSize*2), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	factory := NewFileDownloadProviderFactory(func(string) (string, bool) { return path, true }, nil)
	svc, err := factory(mustJSON(t, proto.FileDownloadParam{FileID: "x"}))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	fd := svc.(*FileDownload)

	conn := newFakeConn("provider", "consumer")
	// Pause immediately after wiring conn so Start's first PostContinuation
	// (run synchronously by fakeConn) observes isExecuting == false.
	fd.conn = conn
	if err := fd.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := svc.Start(conn); err != nil {
		t.Fatalf("start: %v", err)
	}
	if fd.State() != Running || fd.written != 0 {
		t.Fatalf("expected paused provider to have sent nothing yet, written=%d", fd.written)
	}

	if err := fd.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if fd.State() != Finished {
		t.Fatalf("expected restore to drive the transfer to completion, got %v", fd.State())
	}
}

func TestFileDownloadConsumerTaskStopAbortsProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "movie.bin")
	if err := os.WriteFile(path, make([]byte, fileChunkSize*2), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	taskSink := sessiontask.NewMemoryTaskSink()
	factory := NewFileDownloadProviderFactory(func(string) (string, bool) { return path, true }, taskSink)
	svc, err := factory(mustJSON(t, proto.FileDownloadParam{FileID: "x"}))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	fd := svc.(*FileDownload)
	conn := newFakeConn("provider", "consumer")
	fd.conn = conn
	if err := fd.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := svc.Start(conn); err != nil {
		t.Fatalf("start: %v", err)
	}

	stopFrame, err := codec.Encode(proto.TaskControlFrame{ServiceName: proto.TaskStop})
	if err != nil {
		t.Fatalf("encode stop frame: %v", err)
	}
	if err := fd.Consume(conn, stopFrame); err != nil {
		t.Fatalf("consume stop: %v", err)
	}
	if fd.State() != Errored {
		t.Fatalf("expected provider errored after TaskStop, got %v", fd.State())
	}
	if !conn.stopped {
		t.Fatalf("expected connection stopped after TaskStop")
	}
	task, ok := taskSink.Snapshot("x")
	if !ok || task.State != sessiontask.TaskErrored {
		t.Fatalf("expected task errored, got %+v ok=%v", task, ok)
	}
}
