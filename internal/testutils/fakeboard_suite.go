//go:build test

package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// FakeBoardSuite gives every test a fresh FakeBoard.
//
//	type ClientSuite struct {
//	    testutils.FakeBoardSuite
//	}
//
//	func (s *ClientSuite) SetupTest() {
//	    cfg := testutils.UnoBoardConfig()
//	    cfg.EchoStrings = true
//	    s.WithBoardConfig(cfg)
//	    s.FakeBoardSuite.SetupTest() // call last to apply the configuration
//	}
type FakeBoardSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	Board       *FakeBoard
	boardConfig *FakeBoardConfig
}

func (s *FakeBoardSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
}

func (s *FakeBoardSuite) SetupTest() {
	cfg := UnoBoardConfig()
	if s.boardConfig != nil {
		cfg = *s.boardConfig
	}
	s.Board = NewFakeBoard(cfg)
}

func (s *FakeBoardSuite) TearDownTest() {
	if s.Board != nil {
		s.Board.Disconnect()
	}
	s.Board = nil
	s.boardConfig = nil
}

// WithBoardConfig replaces the Uno default for the next SetupTest.
func (s *FakeBoardSuite) WithBoardConfig(cfg FakeBoardConfig) {
	s.boardConfig = &cfg
}
