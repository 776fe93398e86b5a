package internal

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerateTag mints a fresh image tag in the given namespace. Uniqueness comes
// from a random v4 UUID, so concurrent sessions never need to coordinate.
func GenerateTag(namespace string) Tag {
	return Tag(fmt.Sprintf("%s/%s", strings.TrimSuffix(namespace, "/"), uuid.NewString()))
}
