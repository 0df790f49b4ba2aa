package livebundle

import (
	"context"
	"time"

	"github.com/hazyhaar/livebundle/livebundle/internal/surface"
	"github.com/hazyhaar/livebundle/livebundle/internal/template"
)

// VerifyDocument parses doc and checks it carries the mount container and
// the error reporter.
func (s *Service) VerifyDocument(doc []byte) (*template.Report, error) {
	return template.Verify(doc, s.cfg.Document.ContainerID)
}

// ProbeDocument runs doc in headless Chrome and returns the execution
// errors it reported. remoteURL selects an existing DevTools endpoint.
func (s *Service) ProbeDocument(ctx context.Context, doc []byte, remoteURL string) ([]*surface.ExecutionError, error) {
	return surface.Probe(ctx, doc, surface.ProbeConfig{
		RemoteURL: remoteURL,
		Window:    s.cfg.Document.RenderTimeout + time.Second,
		Logger:    s.logger,
	})
}
