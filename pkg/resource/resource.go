// Package resource implements content-addressed file exchange between peers.
//
// A node shares a local file under a tag and receives a content reference
// (the base58 sha2-256 multihash of the file's bytes). A peer that learns the
// reference fetches the bytes over the resource protocol and stores them at a
// deterministic location: <root>/<tag>/<name>, where name is the base name the
// sharing node published. Fetched bytes are re-hashed before they are written.
package resource

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"
)

// Sentinel errors returned by share and fetch operations.
var (
	// ErrInvalidRef indicates a content reference that is not a valid multihash.
	ErrInvalidRef = errors.New("invalid content reference")

	// ErrNotFound indicates the providing peer does not share the reference.
	ErrNotFound = errors.New("resource not found")

	// ErrNotAllowed indicates the providing peer refused to serve the reference
	// to this node.
	ErrNotAllowed = errors.New("resource not shared with this peer")

	// ErrTooLarge indicates a resource above the configured size limit.
	ErrTooLarge = errors.New("resource too large")

	// ErrIntegrity indicates fetched bytes that do not hash to their reference.
	ErrIntegrity = errors.New("resource content does not match reference")

	// ErrInvalidName indicates a published name that is not a plain file name.
	ErrInvalidName = errors.New("invalid resource name")

	// ErrNoPeer indicates a fetch without a providing peer.
	ErrNoPeer = errors.New("no providing peer")
)

// ShareOptions restrict who may fetch a shared file and how it is named.
type ShareOptions struct {
	// Peers allowed to fetch the file. Empty means any connected peer.
	Peers []peer.ID

	// Name is the file name fetchers store the resource under. Defaults to
	// the base name of the shared path.
	Name string
}

// FetchOptions select where a reference is fetched from.
type FetchOptions struct {
	// Peer is the node providing the resource.
	Peer peer.ID
}

// FetchResult describes a fetched resource.
type FetchResult struct {
	// ContentRef is the reference the bytes were verified against.
	ContentRef string

	// Path is where the bytes were stored locally.
	Path string
}

// ContentRef returns the content reference for data.
func ContentRef(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return mh.B58String(), nil
}

// ParseRef validates a content reference and returns its decoded form.
func ParseRef(ref string) (*multihash.DecodedMultihash, error) {
	mh, err := multihash.FromB58String(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	return decoded, nil
}

// Verify reports whether data hashes to ref, using the hash function the
// reference names.
func Verify(ref string, data []byte) error {
	decoded, err := ParseRef(ref)
	if err != nil {
		return err
	}
	sum, err := multihash.Sum(data, decoded.Code, decoded.Length)
	if err != nil {
		return fmt.Errorf("hashing content: %w", err)
	}
	if sum.B58String() != ref {
		return fmt.Errorf("%w: %s", ErrIntegrity, ref)
	}
	return nil
}
