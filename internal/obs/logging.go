package obs

import "go.uber.org/zap"

// NewLogger builds the process-wide structured logger. Production binaries
// get zap's JSON production config; set debug for the human-readable
// development encoder, the way the pack's Azure-karpenter-provider-azure
// and n42blockchain-erigon2.7 repos gate their own zap setup on an
// environment/CLI flag.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
