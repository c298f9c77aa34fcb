package translate

import (
	"bytes"
	"context"
	"math"
	"slices"
	"strconv"

	"github.com/pior/cacheproxy/internal/backend"
	"github.com/pior/cacheproxy/internal/wire"
)

// collection serves hash, list, set and sorted set verbs. Writes use the
// route default TTL for the whole key. Set algebra, ranks, score ranges and
// unions are computed here from full reads, and ZADD options and
// ZUNIONSTORE are read-modify-writes with the same caveats as the other
// derived verbs.
func (t *Translator) collection(ctx context.Context, req *wire.Request) *wire.Response {
	if t.colls == nil {
		return wire.Errorf(wire.CodeUnsupported, "'%s' is not supported by the backend", commandName(req))
	}

	resp, err := t.runCollection(ctx, req)
	if err != nil {
		return t.backendError(req, err)
	}
	return resp
}

func (t *Translator) runCollection(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	ns, ttl := t.cfg.Namespace, t.cfg.DefaultTTL
	if req.Key != nil && isCollectionWrite(req.Command) {
		defer t.cache.Invalidate(req.Key)
	}

	switch req.Command {
	case wire.CmdHashSet:
		fields := make([]backend.FieldValue, len(req.Members))
		for i := range req.Members {
			fields[i] = backend.FieldValue{Field: req.Members[i], Value: req.MemberValues[i]}
		}
		return integer(t.colls.HashSet(ctx, ns, req.Key, fields, ttl))
	case wire.CmdHashGet:
		values, err := t.colls.HashGet(ctx, ns, req.Key, req.Members)
		if err != nil {
			return nil, err
		}
		return wire.Bulk(values[0]), nil
	case wire.CmdHashMultiGet:
		values, err := t.colls.HashGet(ctx, ns, req.Key, req.Members)
		if err != nil {
			return nil, err
		}
		out := make([]wire.Value, len(values))
		for i, v := range values {
			out[i] = wire.Value{Data: v, Found: v != nil}
		}
		return &wire.Response{Kind: wire.KindValues, Values: out}, nil
	case wire.CmdHashExists:
		values, err := t.colls.HashGet(ctx, ns, req.Key, req.Members)
		if err != nil {
			return nil, err
		}
		return wire.Integer(boolInt(values[0] != nil)), nil
	case wire.CmdHashGetAll, wire.CmdHashKeys, wire.CmdHashValues, wire.CmdHashLength:
		fields, err := t.colls.HashGetAll(ctx, ns, req.Key)
		if err != nil {
			return nil, err
		}
		return hashResponse(req.Command, fields), nil
	case wire.CmdHashDelete:
		return integer(t.colls.HashDelete(ctx, ns, req.Key, req.Members))
	case wire.CmdHashIncrBy:
		return integer(t.colls.HashIncrBy(ctx, ns, req.Key, req.Members[0], req.IncrBy, ttl))

	case wire.CmdListPush:
		return integer(t.colls.ListPush(ctx, ns, req.Key, req.Members, req.Front, ttl))
	case wire.CmdListPop:
		values, err := t.colls.ListPop(ctx, ns, req.Key, req.Count, req.Front)
		if err != nil {
			return nil, err
		}
		if req.HasCount {
			if values == nil {
				return wire.NilArray(), nil
			}
			return wire.List(values), nil
		}
		if len(values) == 0 {
			return wire.Nil(), nil
		}
		return wire.Bulk(values[0]), nil
	case wire.CmdListRange:
		values, err := t.colls.ListRange(ctx, ns, req.Key, req.Start, req.Stop)
		if err != nil {
			return nil, err
		}
		return wire.List(values), nil
	case wire.CmdListIndex:
		values, err := t.colls.ListRange(ctx, ns, req.Key, req.Start, req.Start)
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			return wire.Nil(), nil
		}
		return wire.Bulk(values[0]), nil
	case wire.CmdListLength:
		return integer(t.colls.ListLength(ctx, ns, req.Key))

	case wire.CmdSetAdd:
		return integer(t.colls.SetAdd(ctx, ns, req.Key, req.Members, ttl))
	case wire.CmdSetRemove:
		return integer(t.colls.SetRemove(ctx, ns, req.Key, req.Members))
	case wire.CmdSetMembers, wire.CmdSetIsMember, wire.CmdSetCardinality:
		members, err := t.colls.SetMembers(ctx, ns, req.Key)
		if err != nil {
			return nil, err
		}
		switch req.Command {
		case wire.CmdSetIsMember:
			return wire.Integer(boolInt(containsBytes(members, req.Members[0]))), nil
		case wire.CmdSetCardinality:
			return wire.Integer(int64(len(members))), nil
		}
		return wire.List(members), nil
	case wire.CmdSetIntersect, wire.CmdSetUnion, wire.CmdSetDiff:
		return t.setAlgebra(ctx, req)

	case wire.CmdSortedSetAdd:
		return t.sortedSetAdd(ctx, req)
	case wire.CmdSortedSetIncrBy:
		score, err := t.colls.SortedSetIncrBy(ctx, ns, req.Key, req.Members[0], req.IncrByScore, ttl)
		if err != nil {
			return nil, err
		}
		return wire.Bulk(formatScore(score)), nil
	case wire.CmdSortedSetRemove:
		return integer(t.colls.SortedSetRemove(ctx, ns, req.Key, req.Members))
	case wire.CmdSortedSetUnionStore:
		return t.sortedSetUnion(ctx, req)
	}

	members, err := t.colls.SortedSetRange(ctx, ns, req.Key)
	if err != nil {
		return nil, err
	}
	return sortedSetRead(req, members), nil
}

func isCollectionWrite(cmd wire.Command) bool {
	switch cmd {
	case wire.CmdHashSet, wire.CmdHashDelete, wire.CmdHashIncrBy,
		wire.CmdListPush, wire.CmdListPop,
		wire.CmdSetAdd, wire.CmdSetRemove,
		wire.CmdSortedSetAdd, wire.CmdSortedSetIncrBy, wire.CmdSortedSetRemove, wire.CmdSortedSetUnionStore:
		return true
	}
	return false
}

func integer(n int64, err error) (*wire.Response, error) {
	if err != nil {
		return nil, err
	}
	return wire.Integer(n), nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func containsBytes(list [][]byte, b []byte) bool {
	return slices.ContainsFunc(list, func(item []byte) bool { return bytes.Equal(item, b) })
}

func hashResponse(cmd wire.Command, fields []backend.FieldValue) *wire.Response {
	var items [][]byte
	switch cmd {
	case wire.CmdHashLength:
		return wire.Integer(int64(len(fields)))
	case wire.CmdHashKeys:
		for _, fv := range fields {
			items = append(items, fv.Field)
		}
	case wire.CmdHashValues:
		for _, fv := range fields {
			items = append(items, fv.Value)
		}
	default:
		for _, fv := range fields {
			items = append(items, fv.Field, fv.Value)
		}
	}
	return wire.List(items)
}

// setAlgebra reads every source set and combines them. The result is in
// byte order.
func (t *Translator) setAlgebra(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	sets := make([][][]byte, len(req.Keys))
	err := t.forEachKey(ctx, req.Keys, func(ctx context.Context, i int, key []byte) error {
		var err error
		sets[i], err = t.colls.SetMembers(ctx, t.cfg.Namespace, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for i, set := range sets {
		for _, m := range set {
			switch req.Command {
			case wire.CmdSetDiff:
				if i == 0 {
					counts[string(m)] = 1
				} else {
					delete(counts, string(m))
				}
			default:
				counts[string(m)]++
			}
		}
	}

	result := [][]byte{}
	for m, n := range counts {
		if req.Command == wire.CmdSetIntersect && n != len(sets) {
			continue
		}
		result = append(result, []byte(m))
	}
	slices.SortFunc(result, bytes.Compare)
	return wire.List(result), nil
}

// sortedSetAdd applies NX, XX and CH against the current members before
// writing. Without options it is a single backend write.
func (t *Translator) sortedSetAdd(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	ns := t.cfg.Namespace

	if !req.OnlyNew && !req.OnlyExisting && !req.Changed {
		members := make([]backend.ScoredMember, len(req.Members))
		for i := range req.Members {
			members[i] = backend.ScoredMember{Member: req.Members[i], Score: req.Scores[i]}
		}
		return integer(t.colls.SortedSetAdd(ctx, ns, req.Key, members, t.cfg.DefaultTTL))
	}

	current, err := t.colls.SortedSetRange(ctx, ns, req.Key)
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(current))
	for _, m := range current {
		scores[string(m.Member)] = m.Score
	}

	var (
		writes         []backend.ScoredMember
		added, changed int64
	)
	for i, member := range req.Members {
		old, exists := scores[string(member)]
		if (req.OnlyNew && exists) || (req.OnlyExisting && !exists) {
			continue
		}
		score := req.Scores[i]
		switch {
		case !exists:
			added++
			changed++
		case old != score:
			changed++
		}
		scores[string(member)] = score
		writes = append(writes, backend.ScoredMember{Member: member, Score: score})
	}

	if len(writes) > 0 {
		if _, err := t.colls.SortedSetAdd(ctx, ns, req.Key, writes, t.cfg.DefaultTTL); err != nil {
			return nil, err
		}
	}
	if req.Changed {
		return wire.Integer(changed), nil
	}
	return wire.Integer(added), nil
}

// sortedSetUnion reads the sources, aggregates the weighted scores and
// replaces the destination with the result.
func (t *Translator) sortedSetUnion(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	sources := make([][]backend.ScoredMember, len(req.Keys))
	err := t.forEachKey(ctx, req.Keys, func(ctx context.Context, i int, key []byte) error {
		var err error
		sources[i], err = t.colls.SortedSetRange(ctx, t.cfg.Namespace, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	scores := map[string]float64{}
	var order []string
	for i, source := range sources {
		weight := 1.0
		if req.Weights != nil {
			weight = req.Weights[i]
		}
		for _, m := range source {
			score := m.Score * weight
			if math.IsNaN(score) {
				score = 0
			}
			old, exists := scores[string(m.Member)]
			if !exists {
				order = append(order, string(m.Member))
				scores[string(m.Member)] = score
				continue
			}
			scores[string(m.Member)] = aggregate(req.Aggregate, old, score)
		}
	}

	if _, err := t.backend.Delete(ctx, t.cfg.Namespace, req.Key); err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return wire.Integer(0), nil
	}

	members := make([]backend.ScoredMember, len(order))
	for i, m := range order {
		members[i] = backend.ScoredMember{Member: []byte(m), Score: scores[m]}
	}
	if _, err := t.colls.SortedSetAdd(ctx, t.cfg.Namespace, req.Key, members, t.cfg.DefaultTTL); err != nil {
		return nil, err
	}
	return wire.Integer(int64(len(members))), nil
}

func aggregate(agg wire.Aggregate, a, b float64) float64 {
	switch agg {
	case wire.AggregateMin:
		return math.Min(a, b)
	case wire.AggregateMax:
		return math.Max(a, b)
	}
	sum := a + b
	if math.IsNaN(sum) {
		return 0
	}
	return sum
}

// sortedSetRead answers the read-only sorted set verbs from every member,
// ordered by score then member.
func sortedSetRead(req *wire.Request, members []backend.ScoredMember) *wire.Response {
	switch req.Command {
	case wire.CmdSortedSetCardinality:
		return wire.Integer(int64(len(members)))
	case wire.CmdSortedSetScore:
		if i := memberIndex(members, req.Members[0]); i >= 0 {
			return wire.Bulk(formatScore(members[i].Score))
		}
		return wire.Nil()
	case wire.CmdSortedSetMultiScore:
		values := make([]wire.Value, len(req.Members))
		for j, member := range req.Members {
			if i := memberIndex(members, member); i >= 0 {
				values[j] = wire.Value{Data: formatScore(members[i].Score), Found: true}
			}
		}
		return &wire.Response{Kind: wire.KindValues, Values: values}
	case wire.CmdSortedSetRank:
		i := memberIndex(members, req.Members[0])
		if i < 0 {
			return wire.Nil()
		}
		if req.Rev {
			i = len(members) - 1 - i
		}
		return wire.Integer(int64(i))
	case wire.CmdSortedSetCount:
		var n int64
		for _, m := range members {
			if req.Min.Above(m.Score) && req.Max.Below(m.Score) {
				n++
			}
		}
		return wire.Integer(n)
	}
	return sortedSetRange(req, members)
}

func sortedSetRange(req *wire.Request, members []backend.ScoredMember) *wire.Response {
	if req.Rev {
		slices.Reverse(members)
	}

	var selected []backend.ScoredMember
	if req.ByScore {
		for _, m := range members {
			if req.Min.Above(m.Score) && req.Max.Below(m.Score) {
				selected = append(selected, m)
			}
		}
		switch {
		case req.Offset < 0 || req.Offset >= int64(len(selected)):
			selected = nil
		default:
			selected = selected[req.Offset:]
			if req.Limit >= 0 && req.Limit < int64(len(selected)) {
				selected = selected[:req.Limit]
			}
		}
	} else if lo, hi, ok := backend.RangeBounds(req.Start, req.Stop, len(members)); ok {
		selected = members[lo : hi+1]
	}

	items := [][]byte{}
	for _, m := range selected {
		items = append(items, m.Member)
		if req.WithScores {
			items = append(items, formatScore(m.Score))
		}
	}
	return wire.List(items)
}

func memberIndex(members []backend.ScoredMember, member []byte) int {
	return slices.IndexFunc(members, func(m backend.ScoredMember) bool { return bytes.Equal(m.Member, member) })
}

// formatScore renders a score the way Redis replies with it.
func formatScore(score float64) []byte {
	switch {
	case math.IsInf(score, 1):
		return []byte("inf")
	case math.IsInf(score, -1):
		return []byte("-inf")
	case score == math.Trunc(score) && math.Abs(score) < 1e17:
		return strconv.AppendInt(nil, int64(score), 10)
	}
	return strconv.AppendFloat(nil, score, 'g', -1, 64)
}
