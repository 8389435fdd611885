// Package azstore is a Transport backed by Azure Blob Storage, using
// blob ETags as a true atomic compare-and-swap primitive for coordinator
// keys.
package azstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/YZ-social/yz.network-sub001/pubsub/dht"
	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

// Store maps the DHT key schema onto blob paths within a single
// container: the key string itself ("coordinator:<hex>", "msg:<hex>",
// ...) is used unmodified as the blob name.
type Store struct {
	client    *azblob.Client
	container string
	log       *zap.SugaredLogger
}

func New(client *azblob.Client, container string, log *zap.SugaredLogger) *Store {
	return &Store{client: client, container: container, log: log}
}

func (s *Store) Store(ctx context.Context, key string, value []byte) error {
	_, err := s.client.UploadBuffer(ctx, s.container, key, value, nil)
	if err != nil {
		return fmt.Errorf("azstore: store %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.download(ctx, key)
}

// GetFromNetwork forces a fresh read. The Azure SDK client always talks
// to the service directly (there is no client-side replica cache to
// bypass), so this is identical to Get; the distinction exists in the
// Transport contract for transports that do cache locally.
func (s *Store) GetFromNetwork(ctx context.Context, key string) ([]byte, error) {
	return s.download(ctx, key)
}

func (s *Store) download(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("azstore: get %s: %w", key, err)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("azstore: read %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

func (s *Store) SupportsCAS() bool { return true }

type versionOnly struct {
	Version uint64 `cbor:"version"`
}

// CompareAndSwapCoordinator stores newValue at key only if the blob's
// current ETag still reflects expectedVersion, using the blob service's
// own conditional-write support rather than a read-then-write emulation.
// A coordinator key with no blob yet is only acceptable when
// expectedVersion is 0; creation uses If-None-Match so two racing
// creators cannot both win.
func (s *Store) CompareAndSwapCoordinator(ctx context.Context, key string, newValue []byte, expectedVersion uint64) (dht.CASResult, error) {
	current, etag, err := s.downloadWithETag(ctx, key)
	if err != nil {
		return dht.CASResult{}, err
	}

	if current == nil {
		if expectedVersion != 0 {
			return dht.CASResult{Conflict: true, CurrentVersion: 0}, nil
		}
		_, err := s.client.UploadBuffer(ctx, s.container, key, newValue, &azblob.UploadBufferOptions{
			AccessConditions: &blob.AccessConditions{
				ModifiedAccessConditions: &blob.ModifiedAccessConditions{
					IfNoneMatch: to.Ptr(azcore.ETagAny),
				},
			},
		})
		if err != nil {
			return s.conflictOrError(ctx, key, err)
		}
		return dht.CASResult{Success: true, CurrentVersion: expectedVersion}, nil
	}

	var v versionOnly
	if err := cbor.Unmarshal(current, &v); err != nil {
		return dht.CASResult{}, fmt.Errorf("azstore: decode version at %s: %w", key, err)
	}
	if v.Version != expectedVersion {
		return dht.CASResult{Conflict: true, CurrentVersion: v.Version, CurrentValue: current}, nil
	}

	_, err = s.client.UploadBuffer(ctx, s.container, key, newValue, &azblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: etag,
			},
		},
	})
	if err != nil {
		return s.conflictOrError(ctx, key, err)
	}
	return dht.CASResult{Success: true, CurrentVersion: expectedVersion}, nil
}

// conflictOrError treats an Azure precondition-failed response (412) as a
// CAS conflict rather than a transport error, and re-reads the loser's
// current value for the caller's merge path.
func (s *Store) conflictOrError(ctx context.Context, key string, uploadErr error) (dht.CASResult, error) {
	var respErr *azcore.ResponseError
	if !errors.As(uploadErr, &respErr) || respErr.StatusCode != 412 {
		return dht.CASResult{}, fmt.Errorf("azstore: cas %s: %w", key, uploadErr)
	}
	current, _, err := s.downloadWithETag(ctx, key)
	if err != nil {
		return dht.CASResult{}, err
	}
	var v versionOnly
	if current != nil {
		_ = cbor.Unmarshal(current, &v)
	}
	return dht.CASResult{Conflict: true, CurrentVersion: v.Version, CurrentValue: current}, nil
}

func (s *Store) downloadWithETag(ctx context.Context, key string) ([]byte, *azcore.ETag, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("azstore: get %s: %w", key, err)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, nil, fmt.Errorf("azstore: read %s: %w", key, err)
	}
	return buf.Bytes(), resp.ETag, nil
}

// FindNode, SendMessage and TriggerRoutingCleanup are not meaningful for
// a blob-storage-backed transport: k-closest lookup, push delivery, and
// routing-table maintenance belong to the Kademlia DHT layer itself. A
// deployment using azstore for coordinator/collection durability still
// needs a real Transport for those three methods; azstore is meant to be
// composed with one, not used alone as the full Transport.
func (s *Store) FindNode(ctx context.Context, target ident.ID, k int) ([]ident.ID, error) {
	return nil, errors.New("azstore: FindNode is not implemented by the blob-storage transport; compose with a DHT-backed Transport")
}

func (s *Store) SendMessage(ctx context.Context, targetNode ident.ID, envelope []byte) error {
	return errors.New("azstore: SendMessage is not implemented by the blob-storage transport; compose with a DHT-backed Transport")
}

func (s *Store) TriggerRoutingCleanup(ctx context.Context) {}

var _ dht.Transport = (*Store)(nil)
