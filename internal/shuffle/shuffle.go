// Package shuffle derives commitment digests and the per-batch execution
// order. The shuffle seed folds every revealed secret together with XOR
// before hashing, which makes the seed deterministic for replay but also
// means the final revealer, having seen earlier reveals, can still choose
// whether to reveal at all and thereby nudge the seed. The forfeited bond
// prices that choice; a commit-and-delay seed scheme is a deliberate
// non-feature here.
package shuffle

import (
	"encoding/binary"
	"math/big"
	"sort"

	"golang.org/x/crypto/sha3"

	"BatchAuction/internal/auction"
)

// Domain-separation tags. Changing any of these is a wire break.
const (
	commitDomain = "auction/v1/commit"
	seedDomain   = "auction/v1/shuffle/seed"
	stepDomain   = "auction/v1/shuffle/step"
)

// Digest is a SHA3-256 output
type Digest [32]byte

func hash(parts ...[]byte) Digest {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	var d Digest
	h.Sum(d[:0])
	return d
}

func u64le(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

// CommitDigest binds an order, its reveal secret and the bond deposit
// into the value published at commit time.
func CommitDigest(o *auction.Order, secret [32]byte, deposit int64) Digest {
	return hash([]byte(commitDomain), o.CanonicalBytes(), secret[:], u64le(uint64(deposit)))
}

// DeriveSeed folds the revealed secrets into the batch shuffle seed.
// XOR keeps the fold order-independent, so replaying reveals in any
// stored order reproduces the same seed.
func DeriveSeed(secrets [][32]byte) Digest {
	var acc [32]byte
	for _, s := range secrets {
		for i := range acc {
			acc[i] ^= s[i]
		}
	}
	return hash([]byte(seedDomain), acc[:], u64le(uint64(len(secrets))))
}

// Permutation returns a seeded Fisher-Yates permutation of [0, n).
// Each step rehashes the running digest with the loop index and reduces
// it mod i+1, so the permutation is a bijection and fully determined by
// the seed.
func Permutation(seed Digest, n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}

	running := seed
	for i := n - 1; i >= 1; i-- {
		running = hash([]byte(stepDomain), running[:], u64le(uint64(i)))
		j := digestMod(running, i+1)
		perm[i], perm[j] = perm[j], perm[i]
	}

	return perm
}

// digestMod reduces a digest to [0, m). The bias from reducing 256 bits
// mod small m is far below anything observable.
func digestMod(d Digest, m int) int {
	v := new(big.Int).SetBytes(d[:])
	return int(v.Mod(v, big.NewInt(int64(m))).Int64())
}

// ExecutionOrder returns indices into orders in execution sequence:
// priority-bid orders first (highest bid first, reveal order breaking
// ties), then the remaining orders in seeded-shuffle order.
func ExecutionOrder(orders []*auction.Order, seed Digest) []int {
	priority := make([]int, 0, len(orders))
	rest := make([]int, 0, len(orders))

	for idx, o := range orders {
		if o.PriorityBid > 0 {
			priority = append(priority, idx)
		} else {
			rest = append(rest, idx)
		}
	}

	sort.SliceStable(priority, func(a, b int) bool {
		oa, ob := orders[priority[a]], orders[priority[b]]
		if oa.PriorityBid != ob.PriorityBid {
			return oa.PriorityBid > ob.PriorityBid
		}
		return oa.OrderIndex < ob.OrderIndex
	})

	perm := Permutation(seed, len(rest))
	out := make([]int, 0, len(orders))
	out = append(out, priority...)
	for _, p := range perm {
		out = append(out, rest[p])
	}

	return out
}
