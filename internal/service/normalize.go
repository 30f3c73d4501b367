package service

import (
	"regexp"
	"strings"

	"github.com/vulnscan/vulnscan/internal/apperrors"
)

var (
	imageNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._/-]*[a-z0-9]$|^[a-z0-9]$`)
	imageTagRe  = regexp.MustCompile(`^[\w][\w.-]{0,127}$`)
)

// ImageRef is a normalized (registry, name, tag) triple.
type ImageRef struct {
	Registry string
	Name     string
	Tag      string
}

// NormalizeImageRef canonicalizes a raw image reference. An explicit tag or
// registry wins over anything embedded in the name; otherwise the rightmost
// colon splits off the tag, and a first path segment that looks like a host
// (contains a dot or colon, or is localhost) is lifted into the registry.
func NormalizeImageRef(rawName, rawTag, rawRegistry string) (*ImageRef, error) {
	name := strings.Trim(strings.ToLower(strings.TrimSpace(rawName)), "/")
	if name == "" {
		return nil, apperrors.Validation("image name is required")
	}

	tag := strings.TrimSpace(rawTag)
	if tag == "" {
		if idx := strings.LastIndex(name, ":"); idx >= 0 {
			tag = name[idx+1:]
			name = name[:idx]
		}
	}

	registry := strings.ToLower(strings.TrimSpace(rawRegistry))
	if registry == "" {
		if segment, rest, ok := strings.Cut(name, "/"); ok && looksLikeHost(segment) {
			registry = segment
			name = rest
		}
	}

	if tag == "" {
		tag = "latest"
	}
	if registry == "" {
		registry = "docker.io"
	}

	if !imageNameRe.MatchString(name) {
		return nil, apperrors.Validation("invalid image name: " + rawName).
			WithDetail("image_name", name)
	}
	if strings.HasPrefix(tag, "-") || strings.HasPrefix(tag, ".") || !imageTagRe.MatchString(tag) {
		return nil, apperrors.Validation("invalid image tag: " + tag).
			WithDetail("image_tag", tag)
	}

	return &ImageRef{Registry: registry, Name: name, Tag: tag}, nil
}

func looksLikeHost(segment string) bool {
	return strings.ContainsAny(segment, ".:") || segment == "localhost"
}
