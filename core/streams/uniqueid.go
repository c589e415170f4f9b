package streams

import gonanoid "github.com/matoous/go-nanoid/v2"

// UniqueID returns an opaque, collision-resistant string, used to mint
// session identifiers.
type UniqueID func() string

// DefaultUniqueID is the default UniqueID generator, backed by nanoid.
func DefaultUniqueID() string { return gonanoid.Must() }
