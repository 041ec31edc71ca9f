package protocol

// Records is a batch of TLV records. Commit paths accumulate the records
// of one transaction and hand the whole batch to a single durable write.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}

func (recs Records) Join() (ret []byte) {
	ret = make([]byte, 0, recs.TotalLen())
	for _, r := range recs {
		ret = append(ret, r...)
	}
	return
}
