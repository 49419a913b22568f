package sportsdata

func fixtureTeams() map[Sport][]Team {
	return map[Sport][]Team{
		MLB: {
			{ID: "stl", Sport: MLB, Name: "Cardinals", City: "St. Louis", Conference: "NL", Division: "Central", Record: Record{Wins: 83, Losses: 79}},
			{ID: "chc", Sport: MLB, Name: "Cubs", City: "Chicago", Conference: "NL", Division: "Central", Record: Record{Wins: 92, Losses: 70}},
			{ID: "hou", Sport: MLB, Name: "Astros", City: "Houston", Conference: "AL", Division: "West", Record: Record{Wins: 87, Losses: 75}},
			{ID: "tex", Sport: MLB, Name: "Rangers", City: "Arlington", Conference: "AL", Division: "West", Record: Record{Wins: 81, Losses: 81}},
		},
		NFL: {
			{ID: "ten", Sport: NFL, Name: "Titans", City: "Nashville", Conference: "AFC", Division: "South", Record: Record{Wins: 3, Losses: 14}},
			{ID: "hou", Sport: NFL, Name: "Texans", City: "Houston", Conference: "AFC", Division: "South", Record: Record{Wins: 10, Losses: 7}},
			{ID: "kc", Sport: NFL, Name: "Chiefs", City: "Kansas City", Conference: "AFC", Division: "West", Record: Record{Wins: 15, Losses: 2}},
			{ID: "dal", Sport: NFL, Name: "Cowboys", City: "Arlington", Conference: "NFC", Division: "East", Record: Record{Wins: 7, Losses: 10}},
		},
		NBA: {
			{ID: "mem", Sport: NBA, Name: "Grizzlies", City: "Memphis", Conference: "West", Division: "Southwest", Record: Record{Wins: 48, Losses: 34}},
			{ID: "sas", Sport: NBA, Name: "Spurs", City: "San Antonio", Conference: "West", Division: "Southwest", Record: Record{Wins: 34, Losses: 48}},
			{ID: "dal", Sport: NBA, Name: "Mavericks", City: "Dallas", Conference: "West", Division: "Southwest", Record: Record{Wins: 39, Losses: 43}},
			{ID: "hou", Sport: NBA, Name: "Rockets", City: "Houston", Conference: "West", Division: "Southwest", Record: Record{Wins: 52, Losses: 30}},
		},
		NCAA: {
			{ID: "tex", Sport: NCAA, Name: "Longhorns", City: "Austin", Conference: "SEC", Division: "FBS", Record: Record{Wins: 13, Losses: 3}},
			{ID: "ala", Sport: NCAA, Name: "Crimson Tide", City: "Tuscaloosa", Conference: "SEC", Division: "FBS", Record: Record{Wins: 9, Losses: 4}},
			{ID: "uga", Sport: NCAA, Name: "Bulldogs", City: "Athens", Conference: "SEC", Division: "FBS", Record: Record{Wins: 11, Losses: 3}},
			{ID: "tenn", Sport: NCAA, Name: "Volunteers", City: "Knoxville", Conference: "SEC", Division: "FBS", Record: Record{Wins: 10, Losses: 3}},
		},
	}
}

func fixtureGames() []Game {
	return []Game{
		{ID: "mlb-stl-chc", Sport: MLB, Home: "stl", Away: "chc", Period: 1, Status: GameLive},
		{ID: "mlb-hou-tex", Sport: MLB, Home: "hou", Away: "tex", Status: GameScheduled},
		{ID: "nfl-ten-hou", Sport: NFL, Home: "ten", Away: "hou", Period: 1, Clock: "15:00", Status: GameLive},
		{ID: "nfl-kc-dal", Sport: NFL, Home: "kc", Away: "dal", Status: GameScheduled},
		{ID: "nba-mem-sas", Sport: NBA, Home: "mem", Away: "sas", Period: 1, Clock: "12:00", Status: GameLive},
		{ID: "ncaa-tex-ala", Sport: NCAA, Home: "tex", Away: "ala", Period: 1, Clock: "15:00", Status: GameLive},
	}
}
