package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/glideops/flightbridge/internal/config"
)

func TestSetupLogger_DevAndProd(t *testing.T) {
	lg := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "svc"})
	if lg == nil {
		t.Fatalf("nil logger")
	}
	if !lg.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("dev logger must include debug")
	}

	lg2 := SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "svc"})
	if lg2 == nil {
		t.Fatalf("nil logger prod")
	}
	if lg2.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("prod logger must not include debug")
	}
}

func TestSetupLogger_LocalDebug(t *testing.T) {
	lg := SetupLogger(config.Config{AppEnv: "prod", Local: true, OTELServiceName: "svc"})
	if !lg.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("LOCAL must force debug even outside dev")
	}
}
