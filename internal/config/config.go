package config

// Config is intentionally small and JSON-friendly.
// If PasswordBcrypt is empty, the server runs without a credential and
// read/upload routes are open; admin routes stay loopback-only regardless.
type Config struct {
	// Root is the directory tree served by the media server.
	Root string `json:"root"`

	// Addr is the listen address, e.g. "0.0.0.0:4142".
	Addr string `json:"addr,omitempty"`

	// StagingDirName is the quarantine subdirectory for uploads pending
	// approval, created under Root. It is hidden from listings, streaming
	// and WebDAV. Default: "_pending_uploads".
	StagingDirName string `json:"stagingDirName,omitempty"`

	// PasswordBcrypt is the bcrypt hash of the shared credential.
	// BasicAuth username is fixed to "user". Generate with:
	// mediaserv passwd -p <password>
	PasswordBcrypt string `json:"passwordBcrypt,omitempty"`

	// FollowSymlinks controls whether symlinks inside Root may be followed.
	// Default: false (symlinks are listed but never opened). If true, only
	// symlinks whose canonical target stays inside Root are followed;
	// targets outside Root are always rejected.
	FollowSymlinks bool `json:"followSymlinks,omitempty"`

	// ThumbSize is the max thumbnail edge in pixels. Default: 256.
	ThumbSize int `json:"thumbSize,omitempty"`
}

const (
	DefaultAddr           = "0.0.0.0:4142"
	DefaultStagingDirName = "_pending_uploads"
	DefaultThumbSize      = 256
)

// ApplyDefaults fills zero-valued optional fields in place.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.StagingDirName == "" {
		c.StagingDirName = DefaultStagingDirName
	}
	if c.ThumbSize <= 0 {
		c.ThumbSize = DefaultThumbSize
	}
}
