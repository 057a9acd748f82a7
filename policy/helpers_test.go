package policy_test

import (
	"github.com/pithecene-io/trackd/policy"
	"github.com/pithecene-io/trackd/types"
)

// entry builds a 100-byte entry for seq.
func entry(seq int64) policy.Entry {
	return entryOf(seq, &types.HistoryUpdate{Items: []types.Item{types.MustItem("loss", 0.5)}})
}

func entryOf(seq int64, payload types.Payload) policy.Entry {
	off := seq * 100
	return policy.Entry{
		Offset: off,
		End:    off + 100,
		Record: &types.Record{Seq: seq, RunID: "run-1", Payload: payload},
	}
}
