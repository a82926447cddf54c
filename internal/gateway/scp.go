package gateway

import (
	"context"

	"github.com/rs/zerolog"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/forward"
	"dicom-gateway/internal/gwerr"
)

// DIMSE status codes answered to the calling entity.
const (
	StatusSuccess           uint16 = 0x0000
	StatusNotAuthorized     uint16 = 0x0124
	StatusProcessingFailure uint16 = 0xC000
)

// StoreRequest is one inbound C-STORE. Either Object or Path is set.
type StoreRequest struct {
	CalledAET  string
	CallingAET string
	Hostname   string

	Object *dcm.Tree
	Path   string

	// Only restricts forwarding to the named destinations, for retries.
	Only []string
}

// StoreResponse is the answer to a StoreRequest. Outcome is nil when the
// object was not forwarded.
type StoreResponse struct {
	Status  uint16
	Outcome *forward.Outcome
	Err     error
}

// StoreSCP is the inbound store service of the gateway.
type StoreSCP struct {
	registry *Registry
	orch     *forward.Orchestrator
	logger   zerolog.Logger
}

// NewStoreSCP creates the store service.
func NewStoreSCP(registry *Registry, orch *forward.Orchestrator, logger zerolog.Logger) *StoreSCP {
	return &StoreSCP{registry: registry, orch: orch, logger: logger}
}

// Registry returns the forward nodes.
func (s *StoreSCP) Registry() *Registry { return s.registry }

// Echo answers a C-ECHO.
func (s *StoreSCP) Echo() uint16 { return StatusSuccess }

// Store resolves the forward node, checks the allow-list and forwards the
// object. Destination failures are tracked by the caller through the
// outcome; they do not change the status.
func (s *StoreSCP) Store(ctx context.Context, req StoreRequest) StoreResponse {
	logger := s.logger.With().
		Str("called_aet", req.CalledAET).
		Str("calling_aet", req.CallingAET).
		Str("host", req.Hostname).
		Logger()

	node, err := s.registry.Lookup(req.CalledAET)
	if err != nil {
		logger.Warn().Err(err).Msg("store refused")
		return StoreResponse{Status: StatusProcessingFailure, Err: err}
	}
	if !node.Authorized(req.CallingAET, req.Hostname) {
		err := gwerr.Protocol("scp.store", "%s is not allowed to store to %s", req.CallingAET, node.AETitle)
		logger.Warn().Err(err).Msg("store refused")
		return StoreResponse{Status: StatusNotAuthorized, Err: err}
	}

	obj := req.Object
	if obj == nil {
		obj, err = dcm.ReadDecompressed(req.Path)
		if err != nil {
			err = gwerr.Wrap(gwerr.KindProtocol, "scp.store", err)
			logger.Error().Err(err).Str("path", req.Path).Msg("could not read object")
			return StoreResponse{Status: StatusProcessingFailure, Err: err}
		}
	}

	dests := node.Select(req.Only)
	if len(dests) == 0 {
		err := gwerr.Protocol("scp.store", "forward node %s has no destination", node.AETitle)
		logger.Error().Err(err).Msg("store refused")
		return StoreResponse{Status: StatusProcessingFailure, Err: err}
	}

	out := s.orch.Store(ctx, obj, dests)
	return StoreResponse{Status: StatusSuccess, Outcome: out}
}
