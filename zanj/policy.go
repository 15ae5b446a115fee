package zanj

import "fmt"

// Placement is the storage decision for one array.
type Placement struct {
	// Inline is true when the array stays in the root document.
	Inline bool

	// Encoding is the inline encoding; set when Inline is true.
	Encoding InlineEncoding

	// Format is the external format; set when Inline is false.
	Format ExternalFormat
}

func (p Placement) String() string {
	if p.Inline {
		return fmt.Sprintf("inline(%s)", p.Encoding)
	}
	return fmt.Sprintf("external(%s)", p.Format)
}

// Classify decides where an array is stored.
//
// An array is inlined when its element count is at most threshold; rank-0
// arrays are always inlined, as zero_dim whatever the preferred encoding.
// Otherwise the preferred encoding is used unless it cannot represent the
// array exactly, in which case the list encoding is used. Arrays holding NaN
// or infinities, rank-0 included, fall back to base64. External arrays are
// always npy.
func Classify(a *Array, threshold int, preferred InlineEncoding) Placement {
	if a.Rank() == 0 {
		if EncodingZeroDim.canEncode(a) {
			return Placement{Inline: true, Encoding: EncodingZeroDim}
		}
		return Placement{Inline: true, Encoding: EncodingB64Meta}
	}
	if a.Size() > threshold {
		return Placement{Format: FormatNPY}
	}

	enc := preferred
	if enc == EncodingZeroDim || !enc.valid() {
		enc = EncodingListMeta
	}
	if !enc.canEncode(a) {
		enc = EncodingListMeta
		if !enc.canEncode(a) {
			enc = EncodingB64Meta
		}
	}
	return Placement{Inline: true, Encoding: enc}
}
