package fuzz

import "math/rand"

const maxPayloadLen = 24

func randomPayload(r *rand.Rand, n int) []byte {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return b
}

// genRandomOp picks one of insert/update/delete: always insert while the
// model holds no rows, otherwise insert 40% of the time and update or
// delete 30% each.
func genRandomOp(r *rand.Rand, model *tableModel) Operation {
	payload := func() []byte { return randomPayload(r, 1+r.Intn(maxPayloadLen)) }

	d := r.Intn(10)
	switch {
	case len(model.rows) == 0 || d < 4:
		return Operation{Type: OpInsert, Payload: payload()}
	case d < 7:
		tid, ok := model.randomTid(r)
		if !ok {
			return Operation{Type: OpInsert, Payload: payload()}
		}
		return Operation{Type: OpUpdate, Tid: tid, Payload: payload()}
	default:
		tid, ok := model.randomTid(r)
		if !ok {
			return Operation{Type: OpInsert, Payload: payload()}
		}
		return Operation{Type: OpDelete, Tid: tid}
	}
}
