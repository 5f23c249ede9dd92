package action

// Optimistic carries the state before a user action and the state the action is expected
// to produce, so that undoing a failed action is just taking Previous.
type Optimistic[T any] struct {
	Previous  T
	Attempted T
}

func NewOptimistic[T any](previous T, mutate func(T) T) Optimistic[T] {
	return Optimistic[T]{Previous: previous, Attempted: mutate(previous)}
}

func (o Optimistic[T]) Rollback() T {
	return o.Previous
}

func (o Optimistic[T]) Commit() T {
	return o.Attempted
}
