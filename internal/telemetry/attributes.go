package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for pipeline operations.
const (
	AttrFolder    = "sync.folder"
	AttrShare     = "sync.share"
	AttrTier      = "sync.tier"
	AttrVersion   = "sync.version"
	AttrPath      = "sync.path"
	AttrSegment   = "sync.segment"
	AttrMessageID = "news.message_id"
	AttrGroup     = "news.group"
	AttrServer    = "news.server"
	AttrSession   = "sync.session"
	AttrBytes     = "sync.bytes"
	AttrCount     = "sync.count"
)

// Span names for the pipeline stages.
const (
	SpanIndex    = "indexer.scan"
	SpanSegment  = "segmenter.plan"
	SpanUpload   = "uploader.session"
	SpanPost     = "nntp.post"
	SpanFetch    = "nntp.fetch"
	SpanPublish  = "access.publish"
	SpanDownload = "retriever.session"
)

// Folder returns an attribute for a folder identifier.
func Folder(id string) attribute.KeyValue {
	return attribute.String(AttrFolder, id)
}

// Share returns an attribute for a share identifier.
func Share(id string) attribute.KeyValue {
	return attribute.String(AttrShare, id)
}

// Tier returns an attribute for an access tier.
func Tier(tier string) attribute.KeyValue {
	return attribute.String(AttrTier, tier)
}

// MessageID returns an attribute for an article message identifier.
func MessageID(id string) attribute.KeyValue {
	return attribute.String(AttrMessageID, id)
}

// Server returns an attribute for an article server.
func Server(addr string) attribute.KeyValue {
	return attribute.String(AttrServer, addr)
}

// Bytes returns an attribute for a byte count.
func Bytes(n int64) attribute.KeyValue {
	return attribute.Int64(AttrBytes, n)
}

// StartFolderSpan starts a span for one pipeline stage on one folder.
func StartFolderSpan(ctx context.Context, name, folderID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{Folder(folderID)}, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(all...))
}
