package domain

import "fmt"

// StagedFile describes one compressed batch file written to the staging
// directory, ready for upload. Files belonging to the same table must be
// uploaded and loaded in the order they were staged.
type StagedFile struct {
	Table   string
	Op      Op
	Path    string       // absolute path on local disk
	Name    string       // file name, e.g. "public.users_inserts.csv.gz"
	Columns []ColumnInfo // header order
	Rows    int
	Bytes   int64
	Segment uint64 // WAL segment the rows came from
}

// RemoteFile is a staged file that has been uploaded to object storage.
type RemoteFile struct {
	StagedFile
	RemoteKey string // object key within the bucket
	RemoteURI string // full URI, e.g. "s3://bucket/prefix/0000000000000001/public.users_inserts.csv.gz"
}

func (f StagedFile) String() string {
	return fmt.Sprintf("%s (%s, %d rows, segment %d)", f.Name, f.Op, f.Rows, f.Segment)
}

// SegmentHex is the canonical zero-padded hex spelling of a segment number,
// shared by segment file names, staging directories, and object keys.
func SegmentHex(seq uint64) string {
	return fmt.Sprintf("%016X", seq)
}
