package protocol

// Records is a batch of wire records. Batches go to the socket with one
// writev through net.Buffers.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
