// Package importer turns queued NZB jobs into virtual filesystem entries:
// parse, probe, classify, unpack archive layouts and aggregate into the
// store without ever downloading the payload.
package importer

import (
	"bytes"
	"regexp"
	"sort"
	"strings"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/usenet"
	"github.com/javi11/nzbparser"
)

// FileKind is the processing group a resolved file lands in.
type FileKind int

const (
	KindOther FileKind = iota
	KindRar
	KindSevenZip
	KindMultipartMkv
	KindPar2
)

func (k FileKind) String() string {
	switch k {
	case KindRar:
		return "rar"
	case KindSevenZip:
		return "7z"
	case KindMultipartMkv:
		return "multipart-mkv"
	case KindPar2:
		return "par2"
	default:
		return "other"
	}
}

// File is one NZB file entry enriched as the pipeline learns more about
// it: the poster subject first, then the yEnc header, then PAR2
// descriptors for obfuscated releases.
type File struct {
	Subject     string
	SubjectName string // filename extracted from the subject
	YencName    string // filename from the first segment's yEnc header
	Par2Name    string // authoritative name recovered from PAR2 FileDesc
	Groups      []string
	Segments    []usenet.SegmentRef
	Size        int64  // decoded size; NZB byte hint until the probe refines it
	Prefix      []byte // first bytes of decoded content, for magic detection
	Kind        FileKind
}

// Name returns the best-known filename: PAR2 beats yEnc beats subject.
func (f *File) Name() string {
	if f.Par2Name != "" {
		return f.Par2Name
	}
	if f.YencName != "" {
		return f.YencName
	}
	return f.SubjectName
}

// Job is a fully parsed NZB descriptor.
type Job struct {
	Name              string
	Password          string
	Files             []*File
	TotalSegmentBytes int64 // encoded bytes across all segments
}

var subjectFilenamePattern = regexp.MustCompile(`"([^"]+)"`)

// passwordSuffixPattern matches the release-name convention
// "job{{password}}".
var passwordSuffixPattern = regexp.MustCompile(`^(.*)\{\{(.+)\}\}$`)

// ParseJobName splits a password off a "name{{password}}" job name.
func ParseJobName(name string) (jobName, password string) {
	if m := passwordSuffixPattern.FindStringSubmatch(name); m != nil {
		return strings.TrimSpace(m[1]), m[2]
	}
	return name, ""
}

// ParseNzb parses NZB XML into a Job. Segment sizes start as the NZB's
// encoded byte hints; the probe later replaces them with decoded sizes.
func ParseNzb(data []byte, jobName string) (*Job, error) {
	n, err := nzbparser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "parse NZB XML", err)
	}
	if len(n.Files) == 0 {
		return nil, errs.E(errs.KindValidation, "NZB contains no files", nil)
	}

	name, password := ParseJobName(jobName)
	if n.Meta != nil {
		if pwd, ok := n.Meta["password"]; ok && pwd != "" {
			password = pwd
		}
	}

	job := &Job{Name: name, Password: password}

	for i := range n.Files {
		nf := &n.Files[i]
		if len(nf.Segments) == 0 {
			continue
		}
		sort.Sort(nf.Segments)

		f := &File{
			Subject:     nf.Subject,
			SubjectName: subjectFilename(nf.Subject, nf.Filename),
			Groups:      nf.Groups,
			Segments:    make([]usenet.SegmentRef, 0, len(nf.Segments)),
		}
		for _, seg := range nf.Segments {
			f.Segments = append(f.Segments, usenet.SegmentRef{
				MessageID: seg.ID,
				Size:      int64(seg.Bytes),
			})
			f.Size += int64(seg.Bytes)
			job.TotalSegmentBytes += int64(seg.Bytes)
		}
		job.Files = append(job.Files, f)
	}

	if len(job.Files) == 0 {
		return nil, errs.E(errs.KindValidation, "NZB contains no files with segments", nil)
	}
	return job, nil
}

// subjectFilename extracts the quoted filename from a Usenet subject
// line, falling back to the parser's own extraction.
func subjectFilename(subject, parsed string) string {
	if m := subjectFilenamePattern.FindStringSubmatch(subject); m != nil {
		return m[1]
	}
	if parsed != "" {
		return parsed
	}
	return strings.TrimSpace(subject)
}
