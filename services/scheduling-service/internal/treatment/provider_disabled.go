//go:build !protogen

package treatment

// NewRemoteProvider is a no-op without generated protos; callers fall back to
// the Postgres-backed catalog.
func NewRemoteProvider(_ string) (Provider, error) {
	return nil, nil
}
