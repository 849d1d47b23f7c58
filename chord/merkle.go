package chord

import (
	"math/bits"
	"strings"
)

// keyDistance is floor(log2(a XOR b)), the routing metric of the
// compact sparse Merkle index: the bit position of the highest bit on
// which the two keys differ. Equal keys yield -1.
func keyDistance(a, b Key) int {
	for i := 0; i < KeyBytes; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return 8*(KeyBytes-1-i) + bits.Len8(x) - 1
		}
	}
	return -1
}

// concatHash derives an internal node's hash from the hex forms of its
// children's hashes.
func concatHash(left, right Key) Key {
	return HashKey(left.Hex() + right.Hex())
}

// merkleNode is either a leaf carrying one key as its hash, or an
// internal node whose hash covers both children.
type merkleNode struct {
	left, right *merkleNode
	hash        Key
}

func newLeaf(key Key) *merkleNode {
	return &merkleNode{hash: key}
}

func newParent(left, right *merkleNode) *merkleNode {
	return &merkleNode{left: left, right: right, hash: concatHash(left.hash, right.hash)}
}

func (n *merkleNode) isLeaf() bool {
	return n.left == nil && n.right == nil
}

// MerkleIndex is a compact sparse Merkle tree over a key set. Tree
// shape depends only on the key bit patterns, so two indexes holding
// the same keys have the same root hash whatever the insertion order.
type MerkleIndex struct {
	root *merkleNode
}

func NewMerkleIndex() *MerkleIndex {
	return &MerkleIndex{}
}

func (t *MerkleIndex) Empty() bool {
	return t.root == nil
}

// RootHash returns the root hash, or the zero key for an empty index.
func (t *MerkleIndex) RootHash() Key {
	if t.root == nil {
		return Key{}
	}
	return t.root.hash
}

func (t *MerkleIndex) Insert(key Key) {
	if t.root == nil {
		t.root = newLeaf(key)
		return
	}
	t.root = insertNode(t.root, key)
}

func (t *MerkleIndex) Delete(key Key) error {
	if t.root == nil {
		return ErrNotFound
	}
	if !t.Contains(key) {
		return ErrNotFound
	}
	t.root = deleteNode(t.root, key)
	return nil
}

func (t *MerkleIndex) Contains(key Key) bool {
	if t.root == nil {
		return false
	}
	return containsNode(t.root, key)
}

/* Function:	insertNode
 *
 * Description:
 *		Route the key down the smaller-distance branch. At a leaf the
 *		key becomes a sibling ordered numerically; at an internal node
 *		with equal distances the key joins a fresh parent alongside
 *		the whole subtree, ordered against the subtree's smaller child
 *		hash. Every rebuilt parent recomputes its hash from the
 *		children.
 */
func insertNode(root *merkleNode, key Key) *merkleNode {
	if root.isLeaf() {
		switch {
		case key.Less(root.hash):
			return newParent(newLeaf(key), root)
		case root.hash.Less(key):
			return newParent(root, newLeaf(key))
		default:
			return root
		}
	}

	ldist := keyDistance(key, root.left.hash)
	rdist := keyDistance(key, root.right.hash)

	if ldist == rdist {
		minHash := root.left.hash
		if root.right.hash.Less(minHash) {
			minHash = root.right.hash
		}
		if key.Less(minHash) {
			return newParent(newLeaf(key), root)
		}
		return newParent(root, newLeaf(key))
	}

	if ldist < rdist {
		root.left = insertNode(root.left, key)
	} else {
		root.right = insertNode(root.right, key)
	}
	return newParent(root.left, root.right)
}

// deleteNode retraces the insertion routing. A matching leaf that is a
// direct child is replaced by its sibling; equal distances mean the
// key is not in the subtree.
func deleteNode(root *merkleNode, key Key) *merkleNode {
	if root.isLeaf() {
		if root.hash == key {
			return nil
		}
		return root
	}

	if root.left.isLeaf() && root.left.hash == key {
		return root.right
	}
	if root.right.isLeaf() && root.right.hash == key {
		return root.left
	}

	ldist := keyDistance(key, root.left.hash)
	rdist := keyDistance(key, root.right.hash)

	if ldist == rdist {
		return root
	}
	if ldist < rdist {
		root.left = deleteNode(root.left, key)
	} else {
		root.right = deleteNode(root.right, key)
	}
	return newParent(root.left, root.right)
}

func containsNode(root *merkleNode, key Key) bool {
	if root.isLeaf() {
		return root.hash == key
	}

	if root.left.isLeaf() && root.left.hash == key {
		return true
	}
	if root.right.isLeaf() && root.right.hash == key {
		return true
	}

	ldist := keyDistance(key, root.left.hash)
	rdist := keyDistance(key, root.right.hash)

	switch {
	case ldist < rdist:
		return containsNode(root.left, key)
	case rdist < ldist:
		return containsNode(root.right, key)
	default:
		return false
	}
}

// String renders the tree in the nested HASH/LEFT/RIGHT text form used
// by the shape tests.
func (t *MerkleIndex) String() string {
	if t.root == nil {
		return ""
	}
	return t.root.render(0)
}

func (n *merkleNode) render(level int) string {
	tabs := strings.Repeat("\t", level)
	res := tabs + "HASH: " + n.hash.Hex()
	if n.left != nil {
		res += "\n" + tabs + "LEFT: {\n" + n.left.render(level+1) + "\n" + tabs + "}"
	}
	if n.right != nil {
		res += "\n" + tabs + "RIGHT: {\n" + n.right.render(level+1) + "\n" + tabs + "}"
	}
	return res
}
