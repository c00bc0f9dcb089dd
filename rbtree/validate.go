package rbtree

import (
	"github.com/pkg/errors"
)

// CheckInvariants walks the whole tree and verifies the red-black properties:
// the root is black, no red node has a red child, every root-to-nil path
// carries the same number of black nodes, keys are in search order with
// duplicates permitted on either side, and every child's parent link points
// back at its parent. It is O(n) and intended for tests and debug builds.
func (t *Tree) CheckInvariants() error {
	if t.root == nil {
		return nil
	}

	if t.root.isRed() {
		return errors.New("root is red")
	}

	if t.root.Parent != nil {
		return errors.New("root has a parent")
	}

	_, err := checkSubtree(t.root, nil, nil)
	return err
}

func checkSubtree(node *Node, low, high *uint64) (blackHeight int, err error) {
	if node == nil {
		return 1, nil
	}

	key := node.Key()
	if low != nil && key < *low {
		return 0, errors.Errorf("key %d is below its subtree bound %d", key, *low)
	}
	if high != nil && key > *high {
		return 0, errors.Errorf("key %d is above its subtree bound %d", key, *high)
	}

	if node.isRed() && (node.Left.isRed() || node.Right.isRed()) {
		return 0, errors.Errorf("red node with key %d has a red child", key)
	}

	if node.Left != nil && node.Left.Parent != node {
		return 0, errors.Errorf("left child of key %d has a broken parent link", key)
	}
	if node.Right != nil && node.Right.Parent != node {
		return 0, errors.Errorf("right child of key %d has a broken parent link", key)
	}

	leftHeight, err := checkSubtree(node.Left, low, &key)
	if err != nil {
		return 0, err
	}
	rightHeight, err := checkSubtree(node.Right, &key, high)
	if err != nil {
		return 0, err
	}

	if leftHeight != rightHeight {
		return 0, errors.Errorf("key %d has unequal black heights %d and %d", key, leftHeight, rightHeight)
	}

	if node.isBlack() {
		leftHeight++
	}

	return leftHeight, nil
}

// VisitInOrder calls fn for every node in ascending key order.
func (t *Tree) VisitInOrder(fn func(node *Node)) {
	visitInOrder(t.root, fn)
}

func visitInOrder(node *Node, fn func(node *Node)) {
	if node == nil {
		return
	}

	visitInOrder(node.Left, fn)
	fn(node)
	visitInOrder(node.Right, fn)
}
