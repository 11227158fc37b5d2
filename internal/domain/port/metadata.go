package port

// MetadataCopier stamps camera metadata from a reference image onto an
// extracted frame. Failures are soft: the caller logs and moves on.
type MetadataCopier interface {
	Copy(framePath string) error
}
