// Package mocks provides gomock implementations of the collaborator ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	settler := mocks.NewMockSettler(ctrl)
//	settler.EXPECT().Settle(gomock.Any(), gomock.Any()).Return(settlement.Result{Reference: "stl_1"}, nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=settler_mock.go tradeflow/settlement Settler
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=messenger_mock.go tradeflow/messaging Messenger
