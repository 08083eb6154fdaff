package pipeline

import "lakefeed/internal/domain"

// UploadItem is one unit of work for the upload fan-out: a staged file to
// ship, or a schema directive riding the same per-table queue so it keeps
// its place behind the files staged before it.
type UploadItem struct {
	File      *domain.StagedFile
	Directive *domain.SchemaDirective
}

// TableName keys per-table routing.
func (it UploadItem) TableName() string {
	if it.Directive != nil {
		return it.Directive.Table
	}
	return it.File.Table
}

// LoadItem is one unit of work for the load fan-out: an uploaded file to
// apply, or a schema directive to execute ahead of the data queued behind it.
type LoadItem struct {
	File      *domain.RemoteFile
	Directive *domain.SchemaDirective
}

func (it LoadItem) TableName() string {
	if it.Directive != nil {
		return it.Directive.Table
	}
	return it.File.Table
}
