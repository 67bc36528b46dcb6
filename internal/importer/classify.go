package importer

import (
	"bytes"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	rar4Magic     = []byte{'R', 'a', 'r', '!', 0x1a, 0x07, 0x00}
	rar5Magic     = []byte{'R', 'a', 'r', '!', 0x1a, 0x07, 0x01, 0x00}
	sevenZipMagic = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}
)

var (
	// .rar, .r00, .r01, ... or .part01.rar
	rarNamePattern = regexp.MustCompile(`(?i)\.r(ar|\d+)$|\.part\d+\.rar$`)
	// .7z or .7z.001, .7z.002, ...
	sevenZipNamePattern = regexp.MustCompile(`(?i)\.7z(\.\d+)?$`)
	// .mkv.001, .mkv.002, ...
	multipartMkvPattern = regexp.MustCompile(`(?i)\.mkv\.\d+$`)

	par2NamePattern = regexp.MustCompile(`(?i)\.par2$`)
)

var videoExtensions = map[string]bool{
	".webm": true, ".m4v": true, ".3gp": true, ".mov": true, ".qt": true,
	".divx": true, ".xvid": true, ".wmv": true, ".asf": true, ".ogm": true,
	".ogv": true, ".m2v": true, ".avi": true, ".mpg": true, ".mpeg": true,
	".mp4": true, ".flv": true, ".img": true, ".iso": true, ".vob": true,
	".mkv": true, ".mk3d": true, ".ts": true, ".m2ts": true, ".strm": true,
}

func hasRarMagic(data []byte) bool {
	return bytes.HasPrefix(data, rar5Magic) || bytes.HasPrefix(data, rar4Magic)
}

func hasSevenZipMagic(data []byte) bool {
	return bytes.HasPrefix(data, sevenZipMagic)
}

// IsVideoFile reports whether the filename carries a playable video
// extension.
func IsVideoFile(name string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(name))]
}

// Classify assigns a processing kind to every file, preferring content
// magic over the filename so obfuscated releases still classify
// correctly. Extension-less RAR volumes (common obfuscation) are caught
// by the first-volume magic plus the volume count.
func Classify(job *Job) {
	for _, f := range job.Files {
		if f.Kind == KindPar2 {
			continue
		}
		name := f.Name()
		switch {
		case hasRarMagic(f.Prefix) || rarNamePattern.MatchString(name):
			f.Kind = KindRar
		case hasSevenZipMagic(f.Prefix) || sevenZipNamePattern.MatchString(name):
			f.Kind = KindSevenZip
		case multipartMkvPattern.MatchString(name):
			f.Kind = KindMultipartMkv
		case par2NamePattern.MatchString(name):
			// Named .par2 but without magic in the probe window; treat as
			// recovery data and drop it from the output either way.
			f.Kind = KindPar2
		default:
			f.Kind = KindOther
		}
	}

	// A set of extension-less posts where only the first has RAR magic is
	// a split archive: the follow-up volumes carry no signature of their
	// own.
	adoptRarVolumes(job)
}

func adoptRarVolumes(job *Job) {
	var (
		rarBases []string
		bareRar  bool
	)
	for _, f := range job.Files {
		if f.Kind == KindRar {
			rarBases = append(rarBases, archiveBaseName(f.Name()))
			if filepath.Ext(f.Name()) == "" {
				bareRar = true
			}
		}
	}
	if len(rarBases) == 0 {
		return
	}
	for _, f := range job.Files {
		if f.Kind != KindOther {
			continue
		}
		// Fully obfuscated sets have no shared base to match on; when the
		// signed first volume is extension-less, its siblings are too.
		if bareRar && filepath.Ext(f.Name()) == "" {
			f.Kind = KindRar
			continue
		}
		base := archiveBaseName(f.Name())
		for _, rb := range rarBases {
			if base == rb {
				f.Kind = KindRar
				break
			}
		}
	}
}

var (
	partRarSuffix = regexp.MustCompile(`(?i)\.part\d+\.rar$`)
	rNumSuffix    = regexp.MustCompile(`(?i)\.r(ar|\d+)$`)
	numSuffix     = regexp.MustCompile(`\.\d+$`)
)

// archiveBaseName strips multi-volume suffixes so volumes of one archive
// share a base.
func archiveBaseName(name string) string {
	if m := partRarSuffix.FindStringIndex(name); m != nil {
		return name[:m[0]]
	}
	if m := rNumSuffix.FindStringIndex(name); m != nil {
		return name[:m[0]]
	}
	if m := numSuffix.FindStringIndex(name); m != nil {
		return name[:m[0]]
	}
	return name
}

// GroupArchiveVolumes buckets files of a kind by archive base name, each
// bucket sorted by volume order (name order is volume order once the
// suffixes are zero padded, which posters do in practice).
func GroupArchiveVolumes(job *Job, kind FileKind) map[string][]*File {
	groups := make(map[string][]*File)
	for _, f := range job.Files {
		if f.Kind != kind {
			continue
		}
		base := archiveBaseName(f.Name())
		groups[base] = append(groups[base], f)
	}
	return groups
}
