package delegate

// Remote tool names exposed by the delegate service.
const (
	ToolPublishPost = "publish_post"
	ToolUploadMedia = "upload_media"
)

// Tool argument keys.
const (
	ArgPlatform     = "platform"
	ArgOwnerID      = "owner_id"
	ArgConnectionID = "connection_id"
	ArgText         = "text"
	ArgMediaID      = "media_id"
	ArgMetadata     = "metadata"
	ArgMediaBase64  = "media_base64"
	ArgContentType  = "content_type"
	ArgFilename     = "filename"
)

// Publish statuses reported by publish_post.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// PublishResponse is the JSON text returned by publish_post.
type PublishResponse struct {
	PostID     string `json:"post_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`
}

// UploadResponse is the JSON text returned by upload_media.
type UploadResponse struct {
	MediaID    string `json:"media_id,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`
}
