package peerswarm

import (
	"github.com/anacrolix/torrent"

	"hybridstream/internal/domain"
)

// byteSpan is the segment's byte extent within its swarm file.
type byteSpan struct {
	offset int64
	length int64
}

// segmentSpan resolves the byte span a segment occupies in its file: the
// explicit range when present, the whole file otherwise.
func segmentSpan(f *torrent.File, seg *domain.Segment) byteSpan {
	if seg.Range != nil {
		length := seg.Range.Length
		if max := f.Length() - seg.Range.Offset; length > max {
			length = max
		}
		return byteSpan{offset: seg.Range.Offset, length: length}
	}
	return byteSpan{offset: 0, length: f.Length()}
}

// mapPriority translates loader urgency into swarm piece priority. 0 is the
// very next segment the player needs.
func mapPriority(prio domain.Priority) torrent.PiecePriority {
	switch {
	case prio == domain.PriorityNone:
		return torrent.PiecePriorityNone
	case prio <= 0:
		return torrent.PiecePriorityNow
	case prio == 1:
		return torrent.PiecePriorityNext
	case prio <= 3:
		return torrent.PiecePriorityReadahead
	default:
		return torrent.PiecePriorityNormal
	}
}

// applyPiecePriority sets the swarm piece priorities covering the span.
func applyPiecePriority(t *torrent.Torrent, f *torrent.File, span byteSpan, prio domain.Priority) {
	if t.Info() == nil {
		return
	}
	start, end, ok := pieceRange(t, f, span)
	if !ok {
		return
	}
	target := mapPriority(prio)
	for i := start; i < end; i++ {
		t.Piece(i).SetPriority(target)
	}
}

// pieceRange converts a file-relative byte span into torrent piece indexes.
func pieceRange(t *torrent.Torrent, f *torrent.File, span byteSpan) (start, end int, ok bool) {
	if span.length <= 0 {
		return 0, 0, false
	}
	pieceSize := int64(t.Info().PieceLength)
	if pieceSize <= 0 {
		return 0, 0, false
	}
	fileOffset := f.Offset()
	fileEnd := fileOffset + f.Length()

	from := fileOffset + span.offset
	if from >= fileEnd {
		return 0, 0, false
	}
	to := from + span.length
	if to > fileEnd || to < from {
		to = fileEnd
	}

	start = int(from / pieceSize)
	end = int((to + pieceSize - 1) / pieceSize)

	numPieces := t.NumPieces()
	if numPieces <= 0 || start >= numPieces {
		return 0, 0, false
	}
	if start < 0 {
		start = 0
	}
	if end > numPieces {
		end = numPieces
	}
	if end <= start {
		return 0, 0, false
	}
	return start, end, true
}
